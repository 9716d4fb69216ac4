package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/profilecoach/internal/config"
	"github.com/kalambet/profilecoach/internal/proxy"
)

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat <session> <message>",
	Short: "Send a message to the coach and review any proposed profile edit",
	Long: `Send a message to the coach in a session. The reply is streamed; when it
proposes a profile edit, the change is shown as a diff against the current
profile and can be applied or declined in the same call.

Examples:
  profilecoach chat main "make my bio funnier"
  profilecoach chat main "add a fun fact about my cat" --apply`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		apply, _ := cmd.Flags().GetBool("apply")
		decline, _ := cmd.Flags().GetBool("decline")

		action := actionNone
		switch {
		case apply:
			action = actionApply
		case decline:
			action = actionDecline
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runChat(cmd.Context(), client, cmd.OutOrStdout(), args[0], strings.Join(args[1:], " "), action)
	},
}

func init() {
	chatCmd.Flags().Bool("apply", false, "apply the proposed profile edit")
	chatCmd.Flags().Bool("decline", false, "decline the proposed profile edit")
	chatCmd.MarkFlagsMutuallyExclusive("apply", "decline")
}

// --- profile ---

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Show or edit the dating profile",
}

var profileShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current profile as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var p any
		if err := client.getJSON(cmd.Context(), "/profile", &p); err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	},
}

var profileSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a profile field (display_name, age, location, photos, bio, prompt_answers, fun_facts)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.patch(cmd.Context(), "/profile", map[string]any{key: profileValue(value)})
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}

		printSuccess("Set %s", key)
		return nil
	},
}

// profileValue sends JSON-looking input (numbers, arrays, objects) as
// structured data and everything else as a plain string.
func profileValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		switch v.(type) {
		case float64, []any, map[string]any:
			return v
		}
	}
	return s
}

func init() {
	profileCmd.AddCommand(profileShowCmd)
	profileCmd.AddCommand(profileSetCmd)
}

// --- footprint ---

var footprintCmd = &cobra.Command{
	Use:   "footprint",
	Short: "Add or list footprint material the coach can draw on",
}

var footprintAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Queue footprint material for extraction",
	Long: `Queue already-gathered material about you. HTML and PDF are reduced to text
in the background.

Examples:
  profilecoach footprint add --source notes --text "I climb on weekends"
  profilecoach footprint add --source linkedin --file ./profile.html
  profilecoach footprint add --source resume --file ./cv.pdf --title "CV"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		source, _ := cmd.Flags().GetString("source")
		text, _ := cmd.Flags().GetString("text")
		file, _ := cmd.Flags().GetString("file")
		title, _ := cmd.Flags().GetString("title")
		kind, _ := cmd.Flags().GetString("kind")

		req, err := footprintRequest(source, text, file, title, kind)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/footprint", req)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued footprint doc %s", result["id"])
		return nil
	},
}

// footprintRequest builds the POST /footprint body. Kind is inferred from
// the file extension when not given; PDF bytes are base64 encoded.
func footprintRequest(source, text, file, title, kind string) (map[string]any, error) {
	if source == "" {
		return nil, fmt.Errorf("--source is required")
	}
	if (text == "") == (file == "") {
		return nil, fmt.Errorf("exactly one of --text or --file is required")
	}

	req := map[string]any{"source": source}
	if title != "" {
		req["title"] = title
	}

	if text != "" {
		if kind == "" {
			kind = "text"
		}
		req["kind"] = kind
		req["content"] = text
		return req, nil
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	if kind == "" {
		switch strings.ToLower(filepath.Ext(file)) {
		case ".pdf":
			kind = "pdf"
		case ".html", ".htm":
			kind = "html"
		default:
			kind = "text"
		}
	}
	req["kind"] = kind
	if kind == "pdf" {
		req["content"] = base64.StdEncoding.EncodeToString(data)
	} else {
		req["content"] = string(data)
	}
	if title == "" {
		req["title"] = filepath.Base(file)
	}
	return req, nil
}

var footprintListCmd = &cobra.Command{
	Use:   "list",
	Short: "List footprint documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var docs []struct {
			ID     string `json:"id"`
			Source string `json:"source"`
			Kind   string `json:"kind"`
			Title  string `json:"title"`
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		if err := client.getJSON(cmd.Context(), fmt.Sprintf("/footprint?limit=%d", limit), &docs); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(docs) == 0 {
			fmt.Fprintln(out, "No footprint documents.")
			return nil
		}
		for _, d := range docs {
			line := fmt.Sprintf("%s  %-6s %-10s %s", colorize(colorCyan, shortID(d.ID)), d.Kind, d.Status, d.Source)
			if d.Title != "" {
				line += "  " + truncate(d.Title, 60)
			}
			if d.Error != "" {
				line += "  " + colorize(colorRed, d.Error)
			}
			fmt.Fprintln(out, line)
		}
		return nil
	},
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	footprintAddCmd.Flags().String("source", "", "where the material came from, e.g. linkedin")
	footprintAddCmd.Flags().String("text", "", "text content")
	footprintAddCmd.Flags().String("file", "", "file to read (text, .html or .pdf)")
	footprintAddCmd.Flags().String("title", "", "title for the document")
	footprintAddCmd.Flags().String("kind", "", "text, html or pdf (default: from file extension)")
	footprintListCmd.Flags().Int("limit", 20, "maximum number of documents to list")
	footprintCmd.AddCommand(footprintAddCmd)
	footprintCmd.AddCommand(footprintListCmd)
}

// --- models ---

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List chat models available through OpenRouter",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, _ := cmd.Flags().GetString("filter")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var list proxy.ModelList
		if err := client.getJSON(cmd.Context(), "/models", &list); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, m := range list.Data {
			if filter != "" && !strings.Contains(m.ID, filter) {
				continue
			}
			if m.ContextLength > 0 {
				fmt.Fprintf(out, "%s  %s\n", m.ID, colorize(colorDim, fmt.Sprintf("%dk", m.ContextLength/1000)))
			} else {
				fmt.Fprintln(out, m.ID)
			}
		}
		return nil
	},
}

func init() {
	modelsCmd.Flags().String("filter", "", "only show model IDs containing this string")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorDim, k.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			if !slices.Contains(config.ValidKeys(), key) {
				return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.ValidKeys(), ", "))
			}
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

func sessionPath(session string, parts ...string) string {
	p := "/sessions/" + url.PathEscape(session)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}
