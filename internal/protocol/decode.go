package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	ErrMalformed   = errors.New("malformed message")
	ErrUnknownType = errors.New("unknown message type")
	ErrInvalidData = errors.New("invalid message data")
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

var inbound = map[MessageType]string{
	TypeJoin:         "join.schema.json",
	TypeCreate:       "create.schema.json",
	TypeSubmitChoice: "submit_choice.schema.json",
	TypeRelease:      "release.schema.json",
	TypeLeave:        "leave.schema.json",
}

var (
	schemasOnce sync.Once
	schemas     map[MessageType]*jsonschema.Schema
	schemasErr  error
)

func loadSchemas() (map[MessageType]*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft7
		out := make(map[MessageType]*jsonschema.Schema, len(inbound))
		for t, name := range inbound {
			raw, err := schemaFS.ReadFile("schemas/" + name)
			if err != nil {
				schemasErr = err
				return
			}
			url := "mem://coinflip/" + name
			if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
				schemasErr = fmt.Errorf("add schema %s: %w", name, err)
				return
			}
			s, err := c.Compile(url)
			if err != nil {
				schemasErr = fmt.Errorf("compile schema %s: %w", name, err)
				return
			}
			out[t] = s
		}
		schemas = out
	})
	return schemas, schemasErr
}

// Decode parses a client frame and validates its data against the schema
// for its type. The returned envelope is safe to pass to DecodeData.
func Decode(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	all, err := loadSchemas()
	if err != nil {
		return nil, err
	}
	schema, ok := all[env.Type]
	if !ok {
		return &env, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	data := env.Data
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		data = []byte("{}")
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return &env, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := schema.Validate(doc); err != nil {
		return &env, fmt.Errorf("%w: %s", ErrInvalidData, describe(err))
	}
	env.Data = data
	return &env, nil
}

// DecodeData unmarshals the envelope payload into v.
func DecodeData(env *Envelope, v any) error {
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// describe flattens a schema failure to its first leaf cause.
func describe(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	if ve.InstanceLocation == "" {
		return ve.Message
	}
	return ve.InstanceLocation + ": " + ve.Message
}

// Code maps a decode failure to the code sent back to the client.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrUnknownType):
		return "unknown_message_type"
	case errors.Is(err, ErrInvalidData):
		return "invalid_message"
	default:
		return "malformed_message"
	}
}
