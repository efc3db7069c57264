package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/folia/internal/config"
	"github.com/kalambet/folia/internal/localstore"
	"github.com/kalambet/folia/internal/pipeline"
	"github.com/kalambet/folia/internal/records"
	"github.com/kalambet/folia/internal/syncer"
)

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest [file...]",
	Short: "Submit documents for extraction",
	Long: `Submit documents for extraction.

Examples:
  folia ingest ./papers/*.pdf
  folia ingest --wait ./notes/field-2019.docx
  folia ingest --text "Quercus robur was used by the Sami for tanning."`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		wait, _ := cmd.Flags().GetBool("wait")

		if text == "" && len(args) == 0 {
			return fmt.Errorf("a file argument or --text is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if text != "" {
			return ingestOne(cmd, client, "cli-text", "text/plain", []byte(text), wait)
		}

		var failed int
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				printError("reading %s: %v", path, err)
				failed++
				continue
			}
			mimeType := mime.TypeByExtension(filepath.Ext(path))
			if err := ingestOne(cmd, client, filepath.Base(path), mimeType, data, wait); err != nil {
				printError("%s: %v", path, err)
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d documents failed", failed, len(args))
		}
		return nil
	},
}

func ingestOne(cmd *cobra.Command, client *apiClient, name, mimeType string, data []byte, wait bool) error {
	q := url.Values{"name": {name}}
	if wait {
		q.Set("wait", "true")
	}
	resp, err := client.upload(cmd.Context(), "/documents?"+q.Encode(), mimeType, data)
	if err != nil {
		return err
	}

	if !wait {
		var queued map[string]string
		if err := decodeJSON(resp, &queued); err != nil {
			return err
		}
		printSuccess("Queued %s as document %s", name, queued["id"])
		return nil
	}

	var res pipeline.DocumentResult
	if err := decodeJSON(resp, &res); err != nil {
		return err
	}
	printDocumentResult(name, res)
	if res.Failed() {
		return fmt.Errorf("extraction failed: %s", res.ExtractorError)
	}
	return nil
}

func printDocumentResult(name string, res pipeline.DocumentResult) {
	if res.Failed() {
		printError("%s: %s", name, res.ExtractorError)
		return
	}
	printSuccess("%s: %d created, %d skipped, %d issues (%dms)",
		name, res.Created(), res.Skipped(), len(res.Issues), res.DurationMs)
	for _, issue := range res.Issues {
		printWarning("  %s", issue)
	}
}

func init() {
	ingestCmd.Flags().String("text", "", "plain text to ingest instead of files")
	ingestCmd.Flags().Bool("wait", false, "process synchronously and print the result")
}

// --- documents ---

var documentsCmd = &cobra.Command{
	Use:   "documents",
	Short: "Inspect uploaded documents",
}

type documentSummary struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Status    string          `json:"status"`
	Error     string          `json:"error"`
	Result    json.RawMessage `json:"result"`
	CreatedAt string          `json:"created_at"`
}

var documentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/documents?limit=%d", limit))
		if err != nil {
			return err
		}
		var docs []documentSummary
		if err := decodeJSON(resp, &docs); err != nil {
			return err
		}
		if len(docs) == 0 {
			fmt.Println("No documents found.")
			return nil
		}
		for _, d := range docs {
			line := fmt.Sprintf("%s  %-10s  %s", colorize(colorCyan, shortID(d.ID)), d.Status, d.Name)
			if d.Error != "" {
				line += "  " + colorize(colorRed, d.Error)
			}
			fmt.Println(line)
		}
		return nil
	},
}

var documentsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a document and its extraction result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getAndPrint(cmd, "/documents/"+url.PathEscape(args[0]))
	},
}

var documentsReprocessCmd = &cobra.Command{
	Use:   "reprocess <id>",
	Short: "Queue a document for extraction again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/documents/"+url.PathEscape(args[0])+"/reprocess", nil)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Queued document %s", result["id"])
		return nil
	},
}

func init() {
	documentsListCmd.Flags().Int("limit", 20, "maximum number of documents to list")
	documentsCmd.AddCommand(documentsListCmd, documentsShowCmd, documentsReprocessCmd)
}

// --- records ---

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Browse and edit extracted records",
}

// recordQuery builds the /records query string from list flags.
func recordQuery(cmd *cobra.Command) url.Values {
	q := url.Values{}
	for _, name := range []string{"status", "species", "community", "document", "q"} {
		if v, _ := cmd.Flags().GetString(name); v != "" {
			q.Set(name, v)
		}
	}
	if deleted, _ := cmd.Flags().GetBool("deleted"); deleted {
		q.Set("deleted", "true")
	}
	if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	return q
}

var recordsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List records",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/records?"+recordQuery(cmd).Encode())
		if err != nil {
			return err
		}
		var recs []records.ArticleRecord
		if err := decodeJSON(resp, &recs); err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Println("No records found.")
			return nil
		}
		for _, r := range recs {
			fmt.Println(formatRecordLine(r))
		}
		return nil
	},
}

func formatRecordLine(r records.ArticleRecord) string {
	species := make([]string, len(r.Species))
	for i, s := range r.Species {
		species[i] = s.ScientificName
	}
	communities := make([]string, len(r.Communities))
	for i, c := range r.Communities {
		communities[i] = c.Name
	}
	line := fmt.Sprintf("%s  r%-3d %-12s  %s / %s",
		colorize(colorCyan, shortID(string(r.ID))),
		r.Revision,
		statusColor(string(r.Status)),
		strings.Join(species, ", "),
		strings.Join(communities, ", "),
	)
	if len(r.Uses) > 0 {
		line += "  [" + strings.Join(r.Uses, ", ") + "]"
	}
	if r.Deleted {
		line += colorize(colorRed, " (deleted)")
	}
	return line
}

var recordsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a record as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getAndPrint(cmd, "/records/"+url.PathEscape(args[0]))
	},
}

var recordsMetadataCmd = &cobra.Command{
	Use:   "metadata <id>",
	Short: "Show extraction provenance for a record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getAndPrint(cmd, "/records/"+url.PathEscape(args[0])+"/metadata")
	},
}

// recordPatch builds an edit from flags; only flags that were set are sent.
func recordPatch(cmd *cobra.Command) (localstore.Patch, error) {
	var p localstore.Patch
	if cmd.Flags().Changed("uses") {
		uses, _ := cmd.Flags().GetStringSlice("uses")
		p.Uses = &uses
	}
	if cmd.Flags().Changed("excerpt") {
		excerpts, _ := cmd.Flags().GetStringArray("excerpt")
		p.Excerpts = &excerpts
	}
	if cmd.Flags().Changed("species") {
		names, _ := cmd.Flags().GetStringSlice("species")
		species := make([]records.PlantSpecies, len(names))
		for i, n := range names {
			species[i] = records.PlantSpecies{ScientificName: strings.TrimSpace(n)}
		}
		p.Species = &species
	}
	if p.Uses == nil && p.Excerpts == nil && p.Species == nil {
		return p, fmt.Errorf("nothing to change: set --uses, --excerpt or --species")
	}
	return p, nil
}

var recordsEditCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Edit a record's species, uses or excerpts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		patch, err := recordPatch(cmd)
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.patch(cmd.Context(), "/records/"+url.PathEscape(args[0]), patch)
		if err != nil {
			return err
		}
		var rec records.ArticleRecord
		if err := decodeJSON(resp, &rec); err != nil {
			return err
		}
		printSuccess("Record %s is now at revision %d", rec.ID, rec.Revision)
		return nil
	},
}

var recordsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a record (synced as a tombstone)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/records/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var rec records.ArticleRecord
		if err := decodeJSON(resp, &rec); err != nil {
			return err
		}
		printSuccess("Deleted record %s", rec.ID)
		return nil
	},
}

func init() {
	recordsListCmd.Flags().String("status", "", "filter by sync status")
	recordsListCmd.Flags().String("species", "", "filter by scientific name")
	recordsListCmd.Flags().String("community", "", "filter by community name")
	recordsListCmd.Flags().String("document", "", "filter by document id")
	recordsListCmd.Flags().String("q", "", "free-text search")
	recordsListCmd.Flags().Bool("deleted", false, "include deleted records")
	recordsListCmd.Flags().Int("limit", 50, "maximum number of records")

	recordsEditCmd.Flags().StringSlice("uses", nil, "replace uses (comma-separated)")
	recordsEditCmd.Flags().StringArray("excerpt", nil, "replace excerpts (repeatable)")
	recordsEditCmd.Flags().StringSlice("species", nil, "replace species by scientific name (comma-separated)")

	recordsCmd.AddCommand(recordsListCmd, recordsShowCmd, recordsMetadataCmd, recordsEditCmd, recordsDeleteCmd)
}

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run or watch sync with the remote hub",
}

var syncNowCmd = &cobra.Command{
	Use:   "now",
	Short: "Run one sync cycle and print the report",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/sync", nil)
		if err != nil {
			return err
		}
		var rep syncer.CycleReport
		if err := decodeJSON(resp, &rep); err != nil {
			return err
		}
		printCycleReport(rep)
		return nil
	},
}

func printCycleReport(rep syncer.CycleReport) {
	if rep.Offline {
		printWarning("Remote unreachable; local changes stay queued")
	}
	if rep.PullError != "" {
		printWarning("Pull failed: %s", rep.PullError)
	}
	printStatus("Queued", "%d", rep.Queued)
	printStatus("Pulled", "%d (%d ignored)", rep.Pulled, rep.Ignored)
	if rep.Rejected > 0 || rep.PullFailed > 0 {
		printWarning("%d remote changes rejected, %d failed to apply", rep.Rejected, rep.PullFailed)
	}
	printStatus("Pushed", "%d (%d failed, %d deferred)", rep.Pushed, rep.PushFailed, rep.Deferred)
	if rep.Conflicts > 0 {
		printStatus("Conflicts", "%s", colorize(colorRed, fmt.Sprint(rep.Conflicts)))
	} else {
		printStatus("Conflicts", "0")
	}
	printStatus("Took", "%s", rep.FinishedAt.Sub(rep.StartedAt))
}

var syncWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow status changes as they happen",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		client.httpClient.Timeout = 0
		resp, err := client.get(cmd.Context(), "/status/stream")
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := checkStatus(resp); err != nil {
			return err
		}
		return followEvents(resp.Body, os.Stdout)
	},
}

// followEvents prints the data lines of a server-sent event stream.
func followEvents(r io.Reader, w io.Writer) error {
	sc := bufio.NewScanner(r)
	var kind string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			kind = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			var ev struct {
				RecordID string `json:"record_id"`
				From     string `json:"from"`
				To       string `json:"to"`
				Detail   string `json:"detail"`
			}
			data := strings.TrimPrefix(line, "data: ")
			if err := json.Unmarshal([]byte(data), &ev); err != nil || ev.RecordID == "" {
				fmt.Fprintf(w, "%s %s\n", kind, data)
				continue
			}
			msg := fmt.Sprintf("%s %s: %s → %s", kind, shortID(ev.RecordID), ev.From, statusColor(ev.To))
			if ev.Detail != "" {
				msg += " (" + ev.Detail + ")"
			}
			fmt.Fprintln(w, msg)
		}
	}
	return sc.Err()
}

func init() {
	syncCmd.AddCommand(syncNowCmd, syncWatchCmd)
}

// --- conflicts ---

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List and resolve sync conflicts",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List unresolved conflicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/conflicts")
		if err != nil {
			return err
		}
		var cs []records.Conflict
		if err := decodeJSON(resp, &cs); err != nil {
			return err
		}
		if len(cs) == 0 {
			printSuccess("No conflicts")
			return nil
		}
		for _, c := range cs {
			fmt.Printf("%s  local r%d (base r%d)  remote r%d  %s\n",
				colorize(colorCyan, string(c.RecordID)),
				c.LocalRevision, c.BaseRevision, c.RemoteRevision,
				c.DetectedAt.Format("2006-01-02 15:04"))
		}
		return nil
	},
}

var conflictsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show both sides of a conflict",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getAndPrint(cmd, "/conflicts/"+url.PathEscape(args[0]))
	},
}

// resolveDecision turns resolve flags into a decision; exactly one is allowed.
func resolveDecision(cmd *cobra.Command) (syncer.Decision, error) {
	keep, _ := cmd.Flags().GetBool("keep-local")
	take, _ := cmd.Flags().GetBool("take-remote")
	mergeFile, _ := cmd.Flags().GetString("merge")

	set := 0
	for _, b := range []bool{keep, take, mergeFile != ""} {
		if b {
			set++
		}
	}
	if set != 1 {
		return syncer.Decision{}, fmt.Errorf("exactly one of --keep-local, --take-remote or --merge is required")
	}

	switch {
	case keep:
		return syncer.Decision{Kind: syncer.KeepLocal}, nil
	case take:
		return syncer.Decision{Kind: syncer.TakeRemote}, nil
	}
	data, err := os.ReadFile(mergeFile)
	if err != nil {
		return syncer.Decision{}, fmt.Errorf("reading merge file: %w", err)
	}
	var merged records.ArticleRecord
	if err := json.Unmarshal(data, &merged); err != nil {
		return syncer.Decision{}, fmt.Errorf("parsing merge file: %w", err)
	}
	return syncer.Decision{Kind: syncer.Merge, Merged: &merged}, nil
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Resolve a conflict",
	Long: `Resolve a conflict by keeping the local version, taking the remote one,
or supplying a merged record as a JSON file (see "folia conflicts show").`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := resolveDecision(cmd)
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/conflicts/"+url.PathEscape(args[0])+"/resolve", d)
		if err != nil {
			return err
		}
		var rec records.ArticleRecord
		if err := decodeJSON(resp, &rec); err != nil {
			return err
		}
		printSuccess("Record %s is %s at revision %d", rec.ID, rec.Status, rec.Revision)
		return nil
	},
}

func init() {
	conflictsResolveCmd.Flags().Bool("keep-local", false, "keep the local version and push it")
	conflictsResolveCmd.Flags().Bool("take-remote", false, "replace the local version with the remote one")
	conflictsResolveCmd.Flags().String("merge", "", "path to a JSON file with the merged record")
	conflictsCmd.AddCommand(conflictsListCmd, conflictsShowCmd, conflictsResolveCmd)
}

// --- export ---

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export records to an Excel workbook",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/export.xlsx?"+recordQuery(cmd).Encode())
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := checkStatus(resp); err != nil {
			return err
		}

		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		n, err := io.Copy(f, resp.Body)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("writing %s: %w", output, err)
		}
		printSuccess("Exported %d bytes to %s", n, output)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringP("output", "o", "folia-records.xlsx", "output file path")
	exportCmd.Flags().String("status", "", "only records with this sync status")
	exportCmd.Flags().String("species", "", "only records mentioning this species")
	exportCmd.Flags().String("community", "", "only records mentioning this community")
	exportCmd.Flags().String("document", "", "only records from this document")
	exportCmd.Flags().String("q", "", "free-text filter")
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
			origin := k.Source
			if k.Source == config.SourceEnv {
				origin = "$" + k.EnvVar
			}
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorDim, "("+origin+")"))
		}
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
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
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configUnsetCmd)
}

// --- helpers ---

func getAndPrint(cmd *cobra.Command, path string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.get(cmd.Context(), path)
	if err != nil {
		return err
	}
	var v any
	if err := decodeJSON(resp, &v); err != nil {
		return err
	}
	return writeJSONTo(os.Stdout, v)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
