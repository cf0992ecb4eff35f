// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes the assessment desk to LLM clients via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/shopspring/decimal"

	"github.com/starford/assessdesk/internal/desk"
	"github.com/starford/assessdesk/internal/models"
)

const recordFormatURI = "assessdesk://record-format"

// Server wraps the MCP server with the desk tools.
type Server struct {
	mcp  *server.MCPServer
	desk *desk.Desk
}

// New creates a new MCP server with all desk tools registered.
func New(d *desk.Desk, version string) *Server {
	s := &Server{desk: d}

	s.mcp = server.NewMCPServer(
		"assessdesk",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("session_status",
		mcp.WithDescription("Report whether a backend session is held and who it belongs to."),
	), s.sessionStatus)

	s.mcp.AddTool(mcp.NewTool("list_municipalities",
		mcp.WithDescription("List municipalities with their municipal and education rates."),
		mcp.WithBoolean("refresh", mcp.Description("Reload from the backend instead of the cache")),
	), s.listMunicipalities)

	s.mcp.AddTool(mcp.NewTool("list_properties",
		mcp.WithDescription("List every property with its assessed value and computed tax."),
		mcp.WithBoolean("refresh", mcp.Description("Reload from the backend instead of the cache")),
	), s.listProperties)

	s.mcp.AddTool(mcp.NewTool("toggle_municipality",
		mcp.WithDescription("Expand or collapse a municipality. Expanding shows its properties, "+
			"fetched once and then served from cache."),
		mcp.WithNumber("id", mcp.Required(), mcp.Description("Municipality id")),
	), s.toggleMunicipality)

	s.mcp.AddTool(mcp.NewTool("update_municipality",
		mcp.WithDescription("Change a municipality's name or rates. Read the "+
			recordFormatURI+" resource for field rules."),
		mcp.WithNumber("id", mcp.Required(), mcp.Description("Municipality id")),
		mcp.WithString("municipal_name", mcp.Description("New name")),
		mcp.WithString("municipal_rate", mcp.Description("New municipal rate as a decimal string")),
		mcp.WithString("education_rate", mcp.Description("New education rate as a decimal string")),
	), s.updateMunicipality)

	s.mcp.AddTool(mcp.NewTool("create_property",
		mcp.WithDescription("Create a property under a municipality."),
		mcp.WithString("assessment_roll_number", mcp.Required(), mcp.Description("Unique roll number")),
		mcp.WithString("assessment_value", mcp.Required(), mcp.Description("Assessed value as a decimal string")),
		mcp.WithNumber("municipal_id", mcp.Required(), mcp.Description("Owning municipality id")),
	), s.createProperty)

	s.mcp.AddTool(mcp.NewTool("update_property",
		mcp.WithDescription("Change a property's roll number, value or municipality."),
		mcp.WithNumber("id", mcp.Required(), mcp.Description("Property id")),
		mcp.WithString("assessment_roll_number", mcp.Description("New roll number")),
		mcp.WithString("assessment_value", mcp.Description("New assessed value as a decimal string")),
		mcp.WithNumber("municipal_id", mcp.Description("New owning municipality id")),
	), s.updateProperty)

	s.mcp.AddTool(mcp.NewTool("delete_property",
		mcp.WithDescription("Delete a property."),
		mcp.WithNumber("id", mcp.Required(), mcp.Description("Property id")),
	), s.deleteProperty)

	// Resource: record format contract.
	s.mcp.AddResource(
		mcp.NewResource(recordFormatURI, "Record Format",
			mcp.WithResourceDescription("Fields and rules for municipalities and properties."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readRecordFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) sessionStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	store := s.desk.Session()
	status := map[string]any{"authenticated": store.Authenticated()}
	if claims, ok := store.Claims(); ok {
		status["user_id"] = claims.UserID
		if !claims.ExpiresAt.IsZero() {
			status["expires_at"] = claims.ExpiresAt
		}
	}
	return jsonResult(status)
}

func (s *Server) listMunicipalities(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list := s.desk.ListMunicipalities
	if req.GetBool("refresh", false) {
		list = s.desk.RefreshMunicipalities
	}
	items, err := list(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(items)
}

func (s *Server) listProperties(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list := s.desk.ListProperties
	if req.GetBool("refresh", false) {
		list = s.desk.RefreshProperties
	}
	items, err := list(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(items)
}

func (s *Server) toggleMunicipality(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireID(req, "id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	row, err := s.desk.ToggleMunicipality(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(row)
}

func (s *Server) updateMunicipality(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireID(req, "id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var f models.MunicipalityFields
	if name, ok := stringArg(req, "municipal_name"); ok {
		f.Name = &name
	}
	if f.MunicipalRate, err = decimalArg(req, "municipal_rate"); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if f.EducationRate, err = decimalArg(req, "education_rate"); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	updated, err := s.desk.UpdateMunicipality(ctx, id, f)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(updated)
}

func (s *Server) createProperty(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	roll, err := req.RequireString("assessment_roll_number")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	municipalID, err := requireID(req, "municipal_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	value, err := decimalArg(req, "assessment_value")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if value == nil {
		return mcp.NewToolResultError("required argument \"assessment_value\" not found"), nil
	}

	created, err := s.desk.CreateProperty(ctx, models.PropertyFields{
		RollNumber:      &roll,
		AssessmentValue: value,
		MunicipalID:     &municipalID,
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(created)
}

func (s *Server) updateProperty(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireID(req, "id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var f models.PropertyFields
	if roll, ok := stringArg(req, "assessment_roll_number"); ok {
		f.RollNumber = &roll
	}
	if f.AssessmentValue, err = decimalArg(req, "assessment_value"); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if _, ok := req.GetArguments()["municipal_id"]; ok {
		municipalID, err := requireID(req, "municipal_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		f.MunicipalID = &municipalID
	}

	updated, err := s.desk.UpdateProperty(ctx, id, f)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(updated)
}

func (s *Server) deleteProperty(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireID(req, "id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.desk.DeleteProperty(ctx, id); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("deleted property %d", id)), nil
}

func (s *Server) readRecordFormatResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      recordFormatURI,
			MIMEType: "text/markdown",
			Text:     RecordFormatContract,
		},
	}, nil
}

// requireID reads a positive integer id; JSON numbers arrive as float64.
func requireID(req mcp.CallToolRequest, name string) (int64, error) {
	v, err := req.RequireFloat(name)
	if err != nil {
		return 0, err
	}
	if v <= 0 || v != float64(int64(v)) {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	return int64(v), nil
}

func stringArg(req mcp.CallToolRequest, name string) (string, bool) {
	v, ok := req.GetArguments()[name].(string)
	return v, ok
}

// decimalArg accepts a decimal as a string or a JSON number. A missing
// argument yields nil.
func decimalArg(req mcp.CallToolRequest, name string) (*decimal.Decimal, error) {
	switch v := req.GetArguments()[name].(type) {
	case nil:
		return nil, nil
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return &d, nil
	case float64:
		d := decimal.NewFromFloat(v)
		return &d, nil
	default:
		return nil, fmt.Errorf("%s must be a decimal string", name)
	}
}
