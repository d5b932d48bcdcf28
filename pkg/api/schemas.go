package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const maxBodyBytes = 1 << 20

const schemaBase = "https://schemas.aeor.local/api/"

var requestSchemas = map[string]string{
	"register": `{
		"type": "object",
		"required": ["deployment_id", "pre_mutation_state_hash"],
		"additionalProperties": false,
		"properties": {
			"deployment_id": {"type": "string", "minLength": 1, "maxLength": 256},
			"pre_mutation_state_hash": {"type": "string", "minLength": 1, "maxLength": 256},
			"proposal": {
				"type": "object",
				"required": ["module_hash"],
				"additionalProperties": false,
				"properties": {
					"module_hash": {"type": "string", "minLength": 1},
					"input": {"type": "string", "contentEncoding": "base64"},
					"entrypoint": {"type": "string"}
				}
			}
		}
	}`,
	"rollback": `{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"reason": {"type": "string", "maxLength": 4096}
		}
	}`,
	"signal": `{
		"type": "object",
		"required": ["kind", "severity"],
		"additionalProperties": false,
		"properties": {
			"kind": {"type": "string", "minLength": 1},
			"severity": {"enum": ["INFO", "WARNING", "CRITICAL"]},
			"message": {"type": "string"}
		}
	}`,
	"ack": `{
		"type": "object",
		"required": ["operator"],
		"additionalProperties": false,
		"properties": {
			"operator": {"type": "string", "minLength": 1}
		}
	}`,
	"resolve": `{
		"type": "object",
		"required": ["operator", "resolution"],
		"additionalProperties": false,
		"properties": {
			"operator": {"type": "string", "minLength": 1},
			"resolution": {"type": "string", "minLength": 1}
		}
	}`,
}

// compileSchemas compiles every request schema once at startup.
func compileSchemas() (map[string]*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	for name, src := range requestSchemas {
		if err := c.AddResource(schemaBase+name+".schema.json", strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("schema %s load failed: %w", name, err)
		}
	}
	out := make(map[string]*jsonschema.Schema, len(requestSchemas))
	for name := range requestSchemas {
		s, err := c.Compile(schemaBase + name + ".schema.json")
		if err != nil {
			return nil, fmt.Errorf("schema %s compile failed: %w", name, err)
		}
		out[name] = s
	}
	return out, nil
}

// decodeValidated reads the body, validates it against schema and decodes it into dst.
// An empty body is treated as {}. It writes the error response and returns false on failure.
func (s *Server) decodeValidated(w http.ResponseWriter, r *http.Request, schema string, dst any) bool {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteErrorR(w, r, http.StatusRequestEntityTooLarge, "Request Entity Too Large", "request body exceeds 1MiB")
		return false
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "Invalid JSON body")
		return false
	}
	if err := s.schemas[schema].Validate(doc); err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "Invalid JSON body")
		return false
	}
	return true
}
