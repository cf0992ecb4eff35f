package mcpserver

// RecordFormatContract describes the municipality and property fields that
// LLM consumers pass to the write tools.
const RecordFormatContract = `# Assessment Record Format

## Municipality

| field          | type    | notes                                  |
|----------------|---------|----------------------------------------|
| municipal_id   | integer | assigned by the server                 |
| municipal_name | string  | required, at most 255 characters, unique ignoring case and surrounding spaces |
| municipal_rate | decimal | required, >= 0, up to 8 decimal places |
| education_rate | decimal | required, >= 0, up to 8 decimal places |

## Property

| field                  | type    | notes                                       |
|------------------------|---------|---------------------------------------------|
| id                     | integer | assigned by the server                      |
| assessment_roll_number | string  | required, at most 50 characters, unique ignoring case |
| assessment_value       | decimal | required, >= 0                              |
| municipal_id           | integer | required on create; the owning municipality |
| property_tax           | decimal | read-only                                   |

## Rules

1. Pass decimals as strings (for example "0.01250000") so no precision is lost.
2. property_tax = assessment_value * (municipal_rate + education_rate). Changing a
   municipality's rates changes the tax of every property it owns.
3. Deleting a municipality deletes all of its properties.
4. Updates are partial: only the fields you pass are changed.
5. A write that fails leaves the cached data exactly as it was; retry after fixing
   the reported field.
`
