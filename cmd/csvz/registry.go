package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/zoobzio/csvz"
)

// Operation is a built-in row transformation. Build receives the text after
// the colon in "--op name:arg".
type Operation struct {
	Build       func(arg string) (csvz.TransformFunc, error)
	Name        string
	Description string
}

// getAllOperations returns all registered operations in a consistent order.
func getAllOperations() []Operation {
	return []Operation{
		{Name: "upper", Description: "Upper-case every field", Build: fieldwise(strings.ToUpper)},
		{Name: "lower", Description: "Lower-case every field", Build: fieldwise(strings.ToLower)},
		{Name: "trim", Description: "Trim surrounding whitespace from every field", Build: fieldwise(strings.TrimSpace)},
		{Name: "drop-empty", Description: "Drop rows whose fields are all empty", Build: dropEmpty},
		{Name: "select", Description: "Keep the listed columns, e.g. select:2,0", Build: selectColumns},
		{Name: "int", Description: "Require every field to be an integer", Build: integers},
	}
}

// getOperationByName parses "name" or "name:arg" and builds the operation.
func getOperationByName(spec string) (csvz.TransformFunc, error) {
	name, arg, _ := strings.Cut(spec, ":")
	for _, op := range getAllOperations() {
		if op.Name == name {
			return op.Build(arg)
		}
	}
	return nil, fmt.Errorf("unknown operation: %s\n\nRun 'csvz list' to see available operations", name)
}

func fieldwise(fn func(string) string) func(string) (csvz.TransformFunc, error) {
	return func(string) (csvz.TransformFunc, error) {
		return csvz.Map(func(_ context.Context, row csvz.Row) csvz.Row {
			mapped := make(csvz.Row, len(row))
			for i, f := range row {
				mapped[i] = fn(csvz.Stringify(f))
			}
			return mapped
		}), nil
	}
}

func dropEmpty(string) (csvz.TransformFunc, error) {
	return csvz.Filter(func(_ context.Context, row csvz.Row) bool {
		for _, f := range row {
			if csvz.Stringify(f) != "" {
				return true
			}
		}
		return false
	}), nil
}

func selectColumns(arg string) (csvz.TransformFunc, error) {
	if arg == "" {
		return nil, fmt.Errorf("select needs column indexes, e.g. select:0,2")
	}
	var cols []int
	for _, part := range strings.Split(arg, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid column index %q", part)
		}
		cols = append(cols, n)
	}
	return csvz.MapErr(func(_ context.Context, row csvz.Row) (csvz.Row, error) {
		picked := make(csvz.Row, len(cols))
		for i, c := range cols {
			if c >= len(row) {
				return nil, fmt.Errorf("column %d out of range for a row of %d fields", c, len(row))
			}
			picked[i] = row[c]
		}
		return picked, nil
	}), nil
}

func integers(string) (csvz.TransformFunc, error) {
	return csvz.MapErr(func(_ context.Context, row csvz.Row) (csvz.Row, error) {
		parsed := make(csvz.Row, len(row))
		for i, f := range row {
			n, err := strconv.Atoi(strings.TrimSpace(csvz.Stringify(f)))
			if err != nil {
				return nil, err
			}
			parsed[i] = n
		}
		return parsed, nil
	}), nil
}

// operationNames lists the registered names for shell completion.
func operationNames() []string {
	names := make([]string, 0, len(getAllOperations()))
	for _, op := range getAllOperations() {
		names = append(names, op.Name)
	}
	sort.Strings(names)
	return names
}
