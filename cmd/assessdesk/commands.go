package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v3"

	"github.com/starford/assessdesk/internal"
	"github.com/starford/assessdesk/internal/apperr"
	"github.com/starford/assessdesk/internal/desk"
	"github.com/starford/assessdesk/internal/models"
)

var stdout io.Writer = os.Stdout

// withDesk builds the application for a single command and closes it after.
func withDesk(ctx context.Context, cmd *cli.Command, fn func(context.Context, *desk.Desk) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	app, err := internal.Build(cfg, internal.NewLogger(os.Stderr, cfg.App.LogLevel))
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(ctx, app.Desk)
}

func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func argID(cmd *cli.Command) (int64, error) {
	raw := cmd.Args().First()
	if raw == "" {
		return 0, errors.New("missing record id")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid record id %q", raw)
	}
	return id, nil
}

func optString(cmd *cli.Command, name string) *string {
	if !cmd.IsSet(name) {
		return nil
	}
	return models.Ptr(cmd.String(name))
}

func optDecimal(cmd *cli.Command, name string) (*decimal.Decimal, error) {
	if !cmd.IsSet(name) {
		return nil, nil
	}
	v, err := decimal.NewFromString(strings.TrimSpace(cmd.String(name)))
	if err != nil {
		return nil, apperr.Invalid(strings.ReplaceAll(name, "-", "_"), "must be a number")
	}
	return &v, nil
}

func optID(cmd *cli.Command, name string) (*int64, error) {
	if !cmd.IsSet(name) {
		return nil, nil
	}
	id, err := strconv.ParseInt(strings.TrimSpace(cmd.String(name)), 10, 64)
	if err != nil {
		return nil, apperr.Invalid(strings.ReplaceAll(name, "-", "_"), "must be an integer")
	}
	return &id, nil
}

// confirm reads a y/N answer from stdin.
func confirm(prompt string) bool {
	fmt.Fprint(os.Stderr, prompt+" [y/N] ")
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

func exitCode(err error) int {
	var verr *apperr.ValidationError
	switch {
	case errors.As(err, &verr):
		return 2
	case errors.Is(err, apperr.ErrInvalidCredentials), errors.Is(err, apperr.ErrUnauthorized):
		return 3
	case errors.Is(err, apperr.ErrNotFound):
		return 4
	default:
		return 1
	}
}

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "Obtain an access token and store it",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "username", Aliases: []string{"u"}, Sources: cli.EnvVars("ASSESSDESK_USERNAME")},
			&cli.StringFlag{Name: "password", Aliases: []string{"p"}, Sources: cli.EnvVars("ASSESSDESK_PASSWORD")},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withDesk(ctx, cmd, func(ctx context.Context, d *desk.Desk) error {
				if err := d.Login(ctx, cmd.String("username"), cmd.String("password")); err != nil {
					return err
				}
				return printSession(d)
			})
		},
	}
}

func logoutCommand() *cli.Command {
	return &cli.Command{
		Name:  "logout",
		Usage: "Forget the stored access token",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withDesk(ctx, cmd, func(_ context.Context, d *desk.Desk) error {
				return d.Logout()
			})
		},
	}
}

func whoamiCommand() *cli.Command {
	return &cli.Command{
		Name:  "whoami",
		Usage: "Show the stored session",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withDesk(ctx, cmd, func(_ context.Context, d *desk.Desk) error {
				return printSession(d)
			})
		},
	}
}

func printSession(d *desk.Desk) error {
	out := map[string]any{"authenticated": d.Session().Authenticated()}
	if c, ok := d.Session().Claims(); ok {
		if c.UserID != "" {
			out["user_id"] = c.UserID
		}
		if !c.ExpiresAt.IsZero() {
			out["expires_at"] = c.ExpiresAt
		}
	}
	return printJSON(out)
}

func municipalityFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "name", Usage: "Municipality name"},
		&cli.StringFlag{Name: "municipal-rate", Usage: "Municipal mill rate"},
		&cli.StringFlag{Name: "education-rate", Usage: "Education mill rate"},
	}
}

func municipalityFields(cmd *cli.Command) (models.MunicipalityFields, error) {
	f := models.MunicipalityFields{Name: optString(cmd, "name")}
	var err error
	if f.MunicipalRate, err = optDecimal(cmd, "municipal-rate"); err != nil {
		return f, err
	}
	if f.EducationRate, err = optDecimal(cmd, "education-rate"); err != nil {
		return f, err
	}
	return f, nil
}

func municipalitiesCommand() *cli.Command {
	return &cli.Command{
		Name:    "municipalities",
		Aliases: []string{"m"},
		Usage:   "List and edit municipalities",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List municipalities",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withDesk(ctx, cmd, func(ctx context.Context, d *desk.Desk) error {
						items, err := d.ListMunicipalities(ctx)
						if err != nil {
							return err
						}
						return printJSON(items)
					})
				},
			},
			{
				Name:  "create",
				Usage: "Create a municipality",
				Flags: municipalityFlags(),
				Action: func(ctx context.Context, cmd *cli.Command) error {
					f, err := municipalityFields(cmd)
					if err != nil {
						return err
					}
					return withDesk(ctx, cmd, func(ctx context.Context, d *desk.Desk) error {
						if _, err := d.ListMunicipalities(ctx); err != nil {
							return err
						}
						m, err := d.CreateMunicipality(ctx, f)
						if err != nil {
							return err
						}
						return printJSON(m)
					})
				},
			},
			{
				Name:      "update",
				Usage:     "Change fields of a municipality",
				ArgsUsage: "<id>",
				Flags:     municipalityFlags(),
				Action: func(ctx context.Context, cmd *cli.Command) error {
					id, err := argID(cmd)
					if err != nil {
						return err
					}
					f, err := municipalityFields(cmd)
					if err != nil {
						return err
					}
					return withDesk(ctx, cmd, func(ctx context.Context, d *desk.Desk) error {
						if _, err := d.ListMunicipalities(ctx); err != nil {
							return err
						}
						m, err := d.UpdateMunicipality(ctx, id, f)
						if err != nil {
							return err
						}
						return printJSON(m)
					})
				},
			},
			{
				Name:      "delete",
				Usage:     "Delete a municipality and its properties",
				ArgsUsage: "<id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "Do not ask for confirmation"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					id, err := argID(cmd)
					if err != nil {
						return err
					}
					return withDesk(ctx, cmd, func(ctx context.Context, d *desk.Desk) error {
						if _, err := d.ListMunicipalities(ctx); err != nil {
							return err
						}
						m, err := d.Municipality(id)
						if err != nil {
							return err
						}
						if _, err := d.ExpandMunicipality(ctx, id); err != nil {
							return err
						}
						if !cmd.Bool("yes") && !confirm(d.DeletePrompt(m)) {
							fmt.Fprintln(os.Stderr, "cancelled")
							return nil
						}
						return d.DeleteMunicipality(ctx, id)
					})
				},
			},
			{
				Name:      "expand",
				Usage:     "Show a municipality with its properties",
				ArgsUsage: "<id>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					id, err := argID(cmd)
					if err != nil {
						return err
					}
					return withDesk(ctx, cmd, func(ctx context.Context, d *desk.Desk) error {
						row, err := d.ExpandMunicipality(ctx, id)
						if err != nil {
							return err
						}
						return printJSON(row)
					})
				},
			},
		},
	}
}

func propertyFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "roll-number", Usage: "Assessment roll number"},
		&cli.StringFlag{Name: "value", Usage: "Assessment value"},
		&cli.StringFlag{Name: "municipality", Usage: "Owning municipality id"},
	}
}

func propertyFields(cmd *cli.Command) (models.PropertyFields, error) {
	f := models.PropertyFields{RollNumber: optString(cmd, "roll-number")}
	var err error
	if f.AssessmentValue, err = optDecimal(cmd, "value"); err != nil {
		return f, err
	}
	if f.MunicipalID, err = optID(cmd, "municipality"); err != nil {
		return f, err
	}
	return f, nil
}

func propertiesCommand() *cli.Command {
	return &cli.Command{
		Name:    "properties",
		Aliases: []string{"p"},
		Usage:   "List and edit properties",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List properties with their tax",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withDesk(ctx, cmd, func(ctx context.Context, d *desk.Desk) error {
						items, err := d.ListProperties(ctx)
						if err != nil {
							return err
						}
						return printJSON(items)
					})
				},
			},
			{
				Name:  "create",
				Usage: "Create a property",
				Flags: propertyFlags(),
				Action: func(ctx context.Context, cmd *cli.Command) error {
					f, err := propertyFields(cmd)
					if err != nil {
						return err
					}
					return withDesk(ctx, cmd, func(ctx context.Context, d *desk.Desk) error {
						if _, err := d.ListProperties(ctx); err != nil {
							return err
						}
						p, err := d.CreateProperty(ctx, f)
						if err != nil {
							return err
						}
						return printJSON(p)
					})
				},
			},
			{
				Name:      "update",
				Usage:     "Change fields of a property",
				ArgsUsage: "<id>",
				Flags:     propertyFlags(),
				Action: func(ctx context.Context, cmd *cli.Command) error {
					id, err := argID(cmd)
					if err != nil {
						return err
					}
					f, err := propertyFields(cmd)
					if err != nil {
						return err
					}
					return withDesk(ctx, cmd, func(ctx context.Context, d *desk.Desk) error {
						if _, err := d.ListProperties(ctx); err != nil {
							return err
						}
						p, err := d.UpdateProperty(ctx, id, f)
						if err != nil {
							return err
						}
						return printJSON(p)
					})
				},
			},
			{
				Name:      "delete",
				Usage:     "Delete a property",
				ArgsUsage: "<id>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					id, err := argID(cmd)
					if err != nil {
						return err
					}
					return withDesk(ctx, cmd, func(ctx context.Context, d *desk.Desk) error {
						if _, err := d.ListProperties(ctx); err != nil {
							return err
						}
						return d.DeleteProperty(ctx, id)
					})
				},
			},
		},
	}
}
