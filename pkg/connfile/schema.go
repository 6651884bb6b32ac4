package connfile

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// descriptorSchema rejects malformed connection files before the client
// dials anything with credentials taken from them.
const descriptorSchema = `{
  "type": "object",
  "required": ["ip", "transport", "shell_port", "control_port", "iopub_port", "hb_port", "key"],
  "properties": {
    "ip":               {"type": "string", "minLength": 1},
    "transport":        {"type": "string", "enum": ["tcp"]},
    "shell_port":       {"type": "integer", "minimum": 1, "maximum": 65535},
    "control_port":     {"type": "integer", "minimum": 1, "maximum": 65535},
    "iopub_port":       {"type": "integer", "minimum": 1, "maximum": 65535},
    "hb_port":          {"type": "integer", "minimum": 1, "maximum": 65535},
    "key":              {"type": "string", "minLength": 1},
    "signature_scheme": {"type": "string"}
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(descriptorSchema)

func validate(data []byte) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}
