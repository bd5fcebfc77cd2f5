package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zorak1103/velux-active/internal/config"
	"github.com/zorak1103/velux-active/internal/velux"
)

// Output formats of the homes command.
const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

func validateFormat(format string) error {
	switch format {
	case formatTable, formatJSON, formatYAML:
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want %s, %s or %s)", format, formatTable, formatJSON, formatYAML)
	}
}

// printHomes writes resp to w in the given format.
func printHomes(w io.Writer, resp *velux.HomesDataResponse, format string) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	case formatYAML:
		// Round trip through JSON so keys keep their wire names.
		data, err := json.Marshal(resp)
		if err != nil {
			return fmt.Errorf("encoding homes data: %w", err)
		}
		var doc any
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("decoding homes data: %w", err)
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("writing yaml: %w", err)
		}
		return enc.Close()
	case formatTable:
		return printHomesTable(w, resp)
	default:
		return validateFormat(format)
	}
}

func printHomesTable(w io.Writer, resp *velux.HomesDataResponse) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "HOME\tMODULE\tTYPE\tNAME\tROOM\tPOSITION\tTARGET\tREACHABLE")
	for i := range resp.Body.Homes {
		home := &resp.Body.Homes[i]
		for _, m := range home.Modules {
			b := m.Basic()
			kind, room, pos, target, reachable := string(b.Type), "-", "-", "-", "-"
			switch mod := m.(type) {
			case *velux.NXGModule:
				kind = "gateway"
				reachable = strconv.FormatBool(mod.Reachable)
			case *velux.NXOModule:
				kind = mod.VeluxType
				if r := home.RoomByID(mod.RoomID); r != nil && r.Name != "" {
					room = r.Name
				}
				pos = strconv.Itoa(mod.CurrentPosition)
				target = strconv.Itoa(mod.TargetPosition)
				reachable = strconv.FormatBool(mod.Reachable)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				home.Name, b.ID, kind, b.Name, room, pos, target, reachable)
		}
	}
	return tw.Flush()
}

// printTokenState writes the masked token state of account to w.
func printTokenState(w io.Writer, account string, st velux.TokenState) {
	expires := "unknown"
	if at := st.ExpiresAt(); !at.IsZero() {
		expires = at.Format(time.RFC3339)
	}
	fmt.Fprintf(w, "Account:       %s\n", account)
	fmt.Fprintf(w, "Access token:  %s\n", config.MaskSecret(st.AccessToken))
	fmt.Fprintf(w, "Refresh token: %s\n", config.MaskSecret(st.RefreshToken))
	fmt.Fprintf(w, "Expires at:    %s\n", expires)
	fmt.Fprintf(w, "Valid:         %t\n", st.AccessTokenValid(time.Now()))
}
