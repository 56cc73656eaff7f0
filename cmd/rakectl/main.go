// Rakectl is a command-line client for the rakesrv HTTP API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	version   = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "rakectl",
	Short:   "CLI for rakesrv operations",
	Long:    `rakectl is a command-line interface for ingesting documents into and querying a rakesrv server.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "rakesrv server URL")
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(healthCmd)
}

var (
	ingestScopeKind string
	ingestWorkspace string
	ingestProject   string
	ingestTitle     string
	ingestTags      []string
	ingestLanguage  string
	ingestAuthor    string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [file]",
	Short: "Ingest a document from a file or stdin",
	Long: `Ingest a document into rakesrv.

Examples:
  rakectl ingest --title "Runbook" --scope global doc.md
  cat notes.md | rakectl ingest --title "Notes" --scope workspace --workspace acme -`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIngest,
}

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Run a query against rakesrv",
	Long: `Query runs a hybrid retrieval query against rakesrv.

Examples:
  rakectl query --user alice --scope global "what is the deploy process?"`,
	Args: cobra.ExactArgs(1),
	RunE: runQuery,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check rakesrv health",
	RunE:  runHealth,
}

var (
	queryUserID      string
	queryScopeKind   string
	queryWorkspace   string
	queryProject     string
)

func init() {
	ingestCmd.Flags().StringVar(&ingestScopeKind, "scope", "global", "scope kind: global, workspace, or project")
	ingestCmd.Flags().StringVar(&ingestWorkspace, "workspace", "", "workspace id for workspace/project scope")
	ingestCmd.Flags().StringVar(&ingestProject, "project", "", "project id for project scope")
	ingestCmd.Flags().StringVar(&ingestTitle, "title", "", "document title (required)")
	ingestCmd.Flags().StringSliceVar(&ingestTags, "tag", nil, "tag to attach to the document, may be repeated")
	ingestCmd.Flags().StringVar(&ingestLanguage, "language", "en", "document language tag")
	ingestCmd.Flags().StringVar(&ingestAuthor, "author", "", "document author")

	queryCmd.Flags().StringVar(&queryUserID, "user", "", "user id the query runs as (required)")
	queryCmd.Flags().StringVar(&queryScopeKind, "scope", "global", "scope kind: global, workspace, or project")
	queryCmd.Flags().StringVar(&queryWorkspace, "workspace", "", "workspace id for workspace/project scope")
	queryCmd.Flags().StringVar(&queryProject, "project", "", "project id for project scope")
}

type scopeDTO struct {
	Kind      string `json:"kind"`
	Workspace string `json:"workspace,omitempty"`
	Project   string `json:"project,omitempty"`
}

type addDocumentRequest struct {
	Scope    scopeDTO `json:"scope"`
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Tags     []string `json:"tags,omitempty"`
	Language string   `json:"language,omitempty"`
	Author   string   `json:"author,omitempty"`
}

type addDocumentResponse struct {
	DocumentID  string `json:"document_id"`
	ChunkCount  int    `json:"chunk_count"`
	TotalTokens int    `json:"total_tokens"`
}

type queryRequest struct {
	UserID string     `json:"user_id"`
	Query  string     `json:"query"`
	Scopes []scopeDTO `json:"scopes"`
}

type citation struct {
	Title      string `json:"title"`
	Scope      string `json:"scope"`
	DocumentID string `json:"document_id"`
	ChunkIndex int    `json:"chunk_index"`
	DeepLink   string `json:"deep_link"`
}

type passage struct {
	Text     string   `json:"text"`
	Score    float64  `json:"score"`
	Citation citation `json:"citation"`
}

type queryResponse struct {
	Passages []passage `json:"passages"`
	Degraded bool      `json:"degraded"`
}

type healthResponse struct {
	Status      string `json:"status"`
	MemoryLevel string `json:"memory_level"`
	HeapBytes   uint64 `json:"heap_bytes"`
}

func runIngest(cmd *cobra.Command, args []string) error {
	if ingestTitle == "" {
		return fmt.Errorf("--title is required")
	}

	var content []byte
	var err error
	if len(args) == 0 || args[0] == "-" {
		content, err = io.ReadAll(os.Stdin)
	} else {
		content, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	if len(content) == 0 {
		return fmt.Errorf("no content to ingest")
	}

	reqBody := addDocumentRequest{
		Scope:    scopeDTO{Kind: ingestScopeKind, Workspace: ingestWorkspace, Project: ingestProject},
		Title:    ingestTitle,
		Content:  string(content),
		Tags:     ingestTags,
		Language: ingestLanguage,
		Author:   ingestAuthor,
	}

	var resp addDocumentResponse
	if err := postJSON("/api/v1/documents", reqBody, &resp); err != nil {
		return err
	}

	fmt.Printf("document_id: %s\nchunks: %d\ntokens: %d\n", resp.DocumentID, resp.ChunkCount, resp.TotalTokens)
	return nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	if queryUserID == "" {
		return fmt.Errorf("--user is required")
	}

	reqBody := queryRequest{
		UserID: queryUserID,
		Query:  args[0],
		Scopes: []scopeDTO{{Kind: queryScopeKind, Workspace: queryWorkspace, Project: queryProject}},
	}

	var resp queryResponse
	if err := postJSON("/api/v1/query", reqBody, &resp); err != nil {
		return err
	}

	if resp.Degraded {
		fmt.Fprintln(os.Stderr, "[rakectl] result is degraded: one of semantic or keyword search failed")
	}
	for i, p := range resp.Passages {
		fmt.Printf("%d. [%.3f] %s\n", i+1, p.Score, strings.TrimSpace(p.Text))
		fmt.Printf("   %s (%s)\n\n", p.Citation.Title, p.Citation.DeepLink)
	}
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	url := serverURL + "/health"
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", url, err)
	}
	defer resp.Body.Close()

	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	fmt.Printf("status: %s\nmemory_level: %s\nheap_bytes: %d\n", health.Status, health.MemoryLevel, health.HeapBytes)
	return nil
}

// postJSON sends body as a JSON POST to path on the configured server and
// decodes a JSON response into out.
func postJSON(path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, serverURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send request to %s: %w", serverURL+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(raw))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
