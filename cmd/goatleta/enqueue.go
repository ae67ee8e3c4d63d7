package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/schema"
	"github.com/otaldogusta/GoAtleta-sub001/internal/ui"
)

var enqueueCmd = &cobra.Command{
	Use:     "enqueue",
	GroupID: "queue",
	Short:   "Queue a write for delivery",
	Long: `Queue a write for delivery to the backend.

The write is stored durably and delivered by the daemon (or the next
"goatleta sync"). Writes with the same --stream are delivered in order.
A write with a --dedup key replaces any not yet dispatched write with the
same key.

Examples:
  goatleta enqueue --kind save_attendance --stream class:7 \
    --target /rest/v1/attendance --body '{"class_id":7,"present":true}'
  goatleta enqueue --kind update_student --stream student:42 --dedup student:42 \
    --method PATCH --target '/rest/v1/students?id=eq.42' --body-file student.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		kind, _ := cmd.Flags().GetString("kind")
		stream, _ := cmd.Flags().GetString("stream")
		dedup, _ := cmd.Flags().GetString("dedup")
		tenant, _ := cmd.Flags().GetString("tenant")
		method, _ := cmd.Flags().GetString("method")
		target, _ := cmd.Flags().GetString("target")
		body, _ := cmd.Flags().GetString("body")
		bodyFile, _ := cmd.Flags().GetString("body-file")
		headers, _ := cmd.Flags().GetStringArray("header")

		if body != "" && bodyFile != "" {
			return fmt.Errorf("--body and --body-file are mutually exclusive")
		}
		if bodyFile != "" {
			data, err := readBody(cmd.InOrStdin(), bodyFile)
			if err != nil {
				return err
			}
			body = string(data)
		}

		in := schema.PendingWriteInput{
			Kind:      kind,
			StreamKey: stream,
			DedupKey:  dedup,
			TenantID:  tenant,
			Payload: schema.Payload{
				Method: strings.ToUpper(method),
				Target: target,
			},
		}
		if body != "" {
			in.Payload.Body = json.RawMessage(body)
		}
		if len(headers) > 0 {
			in.Payload.Headers = make(map[string]string, len(headers))
			for _, h := range headers {
				k, v, ok := strings.Cut(h, ":")
				if !ok {
					return fmt.Errorf("invalid --header %q, want \"Name: value\"", h)
				}
				in.Payload.Headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
			}
		}
		if in.TenantID == "" {
			_, tenants := sessionSources()
			in.TenantID = tenants.ActiveTenant()
		}
		if err := in.Validate(); err != nil {
			return fmt.Errorf("invalid write: %w", err)
		}

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		id, merged, err := store.Enqueue(ctx, in)
		if err != nil {
			return err
		}

		jsonOut, _ := cmd.Flags().GetBool("json")
		if jsonOut {
			return writeJSON(cmd.OutOrStdout(), map[string]any{"id": id, "merged": merged})
		}
		p := ui.NewPrinter(cmd.OutOrStdout())
		if merged {
			p.Line(ui.LevelOK, "merged into queued write %s", id)
		} else {
			p.Line(ui.LevelOK, "queued %s", id)
		}
		return nil
	},
}

func readBody(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	// #nosec G304 - controlled path from CLI
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	return data, nil
}

func init() {
	f := enqueueCmd.Flags()
	f.String("kind", "", "operation name, e.g. save_attendance (required)")
	f.String("stream", "", "ordering key; writes of one stream are delivered in order (required)")
	f.String("dedup", "", "dedup key; a newer write replaces a queued one with the same key")
	f.String("tenant", "", "organization id (default: active organization)")
	f.String("method", "POST", "HTTP method: POST, PUT, PATCH or DELETE")
	f.String("target", "", "path relative to the backend URL (required)")
	f.String("body", "", "JSON request body")
	f.String("body-file", "", "read the JSON body from a file, - for stdin")
	f.StringArray("header", nil, "extra request header \"Name: value\" (repeatable)")
	f.Bool("json", false, "output JSON")
	_ = enqueueCmd.MarkFlagRequired("kind")
	_ = enqueueCmd.MarkFlagRequired("stream")
	_ = enqueueCmd.MarkFlagRequired("target")

	rootCmd.AddCommand(enqueueCmd)
}
