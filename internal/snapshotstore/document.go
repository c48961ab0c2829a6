package snapshotstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/formulapad/cellsync/internal/grid"
)

// document is the stored wire form shared by every backend.
type document struct {
	FormulaID string                           `json:"formulaId"`
	Cells     map[string]map[string]grid.Value `json:"cells"`
	UpdatedAt string                           `json:"updatedAt,omitempty"`
}

const documentSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["formulaId", "cells"],
	"properties": {
		"formulaId": {"type": "string", "minLength": 1},
		"updatedAt": {"type": "string"},
		"cells": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"additionalProperties": {
					"type": "object",
					"properties": {
						"t": {"type": "string"},
						"n": {"type": "number"}
					},
					"minProperties": 1,
					"maxProperties": 1,
					"additionalProperties": false
				}
			}
		}
	},
	"additionalProperties": false
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func documentSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		raw, err := jsonschema.UnmarshalJSON(strings.NewReader(documentSchemaJSON))
		if err != nil {
			schemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("snapshot-document.json", raw); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = compiler.Compile("snapshot-document.json")
	})
	return schema, schemaErr
}

func encodeDocument(formulaID string, snapshot grid.Snapshot) ([]byte, error) {
	doc := document{
		FormulaID: formulaID,
		Cells:     snapshot.CellMap(),
		UpdatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	return json.Marshal(doc)
}

func decodeDocument(data []byte) (grid.Snapshot, error) {
	compiled, err := documentSchema()
	if err != nil {
		return grid.Snapshot{}, err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return grid.Snapshot{}, fmt.Errorf("snapshot document is not valid JSON: %w", err)
	}
	if err := compiled.Validate(instance); err != nil {
		return grid.Snapshot{}, fmt.Errorf("snapshot document failed validation: %w", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return grid.Snapshot{}, err
	}
	return grid.SnapshotFromCells(doc.Cells), nil
}
