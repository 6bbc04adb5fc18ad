// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package main

import (
	"encoding/json"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"github.com/schultz-is/a2s-go"
)

// printTable writes rules as a borderless table, regular rules first as received.
func printTable(w io.Writer, rules a2s.Rules) error {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Type", "Name", "Value"})

	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)

	for _, rule := range rules {
		switch rule := rule.(type) {
		case a2s.Regular:
			table.Append([]string{"rule", rule.Name, rule.Value})
		case a2s.Mod:
			table.Append([]string{"mod", rule.Name, strconv.FormatUint(uint64(rule.ID), 10)})
		}
	}

	table.Render()
	return nil
}

func printJSON(w io.Writer, rules a2s.Rules) error {
	if rules == nil {
		rules = a2s.Rules{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rules)
}
