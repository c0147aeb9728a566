package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	jsoniter "github.com/json-iterator/go"

	"github.com/grafana/streamql/pkg/types"
)

const (
	outputTable = "table"
	outputRaw   = "raw"
	outputJSONL = "jsonl"
)

// printer writes the rows of a query in one of the output modes.
type printer struct {
	w       io.Writer
	mode    string
	colored bool
	names   []string
}

func newPrinter(w io.Writer, mode string, colored bool) *printer {
	return &printer{w: w, mode: mode, colored: colored}
}

// header prints the column names. Only the table mode has a header.
func (p *printer) header(s types.Schema) error {
	p.names = s.Names()
	if p.mode != outputTable {
		return nil
	}
	line := strings.Join(p.names, " | ")
	if p.colored {
		line = color.New(color.Bold, color.FgBlue).Sprint(line)
	}
	_, err := fmt.Fprintln(p.w, line)
	return err
}

func (p *printer) row(r types.Row) error {
	switch p.mode {
	case outputJSONL:
		obj := make(map[string]any, len(r))
		for i, v := range r {
			if i < len(p.names) {
				obj[p.names[i]] = v.Interface()
			}
		}
		b, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(obj)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(p.w, string(b))
		return err
	case outputRaw:
		_, err := fmt.Fprintln(p.w, r.String())
		return err
	}

	parts := make([]string, len(r))
	for i, v := range r {
		parts[i] = v.String()
		if p.colored && v.IsNull() {
			parts[i] = color.HiBlackString(parts[i])
		}
	}
	_, err := fmt.Fprintln(p.w, strings.Join(parts, " | "))
	return err
}
