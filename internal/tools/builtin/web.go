package builtin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"maestro/internal/tools"
	"maestro/internal/workflow"
)

// webSearchTool scrapes DuckDuckGo's HTML endpoint. external_api: blocked in
// offline mode.
type webSearchTool struct{ deps Deps }

func (t *webSearchTool) Name() string { return "web_search" }
func (t *webSearchTool) Description() string { return "Search the web and return result titles and links" }
func (t *webSearchTool) Category() tools.Category { return tools.CategoryWeb }
func (t *webSearchTool) NetworkType() tools.NetworkType { return tools.NetworkExternalAPI }

func (t *webSearchTool) Schema() map[string]any {
	return objectSchema([]string{"query"}, map[string]any{
		"query":       map[string]any{"type": "string", "minLength": 1},
		"max_results": map[string]any{"type": "integer", "minimum": 1, "maximum": 20},
	})
}

func (t *webSearchTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	query := stringParam(params, "query")
	maxResults := intParam(params, "max_results", 5)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		"https://html.duckduckgo.com/html/?q="+url.QueryEscape(query), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "maestro/1.0")

	resp, err := t.deps.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return tools.Fail(fmt.Sprintf("search returned status %d", resp.StatusCode)), nil
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	count := 0
	doc.Find(".result").EachWithBreak(func(i int, s *goquery.Selection) bool {
		title := strings.TrimSpace(s.Find(".result__a").Text())
		link, _ := s.Find(".result__a").Attr("href")
		snippet := strings.TrimSpace(s.Find(".result__snippet").Text())
		if title == "" {
			return true
		}
		fmt.Fprintf(&sb, "%d. %s\n   %s\n   %s\n", count+1, title, link, snippet)
		count++
		return count < maxResults
	})
	if count == 0 {
		return tools.Ok("no results"), nil
	}
	return tools.Ok(sb.String()), nil
}

// httpRequestTool performs a bounded GET/POST. external_api.
type httpRequestTool struct{ deps Deps }

func (t *httpRequestTool) Name() string { return "http_request" }
func (t *httpRequestTool) Description() string { return "Perform an HTTP request and return the response body" }
func (t *httpRequestTool) Category() tools.Category { return tools.CategoryWeb }
func (t *httpRequestTool) NetworkType() tools.NetworkType { return tools.NetworkExternalAPI }

func (t *httpRequestTool) Schema() map[string]any {
	return objectSchema([]string{"url"}, map[string]any{
		"url":    map[string]any{"type": "string", "minLength": 1},
		"method": map[string]any{"type": "string", "enum": []any{"GET", "POST"}},
		"body":   map[string]any{"type": "string"},
	})
}

func (t *httpRequestTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	method := stringParam(params, "method")
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if b := stringParam(params, "body"); b != "" {
		body = strings.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, stringParam(params, "url"), body)
	if err != nil {
		return nil, err
	}

	resp, err := t.deps.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxOutputBytes))
	if err != nil {
		return nil, err
	}
	out := fmt.Sprintf("status: %d\n\n%s", resp.StatusCode, raw)
	if resp.StatusCode >= 400 {
		res := tools.Fail(fmt.Sprintf("request returned status %d", resp.StatusCode))
		res.Output = out
		return res, nil
	}
	return tools.Ok(out), nil
}

// downloadFileTool fetches a URL into the session workspace.
// external_download: allowed even offline, ingress only.
type downloadFileTool struct{ deps Deps }

func (t *downloadFileTool) Name() string { return "download_file" }
func (t *downloadFileTool) Description() string { return "Download a URL into the session workspace" }
func (t *downloadFileTool) Category() tools.Category { return tools.CategoryWeb }
func (t *downloadFileTool) NetworkType() tools.NetworkType { return tools.NetworkExternalDownload }

const maxDownloadBytes = 32 << 20

func (t *downloadFileTool) Schema() map[string]any {
	return objectSchema([]string{"session_id", "url", "path"}, map[string]any{
		"session_id": sessionProp,
		"url":        map[string]any{"type": "string", "minLength": 1},
		"path":       map[string]any{"type": "string", "minLength": 1},
	})
}

func (t *downloadFileTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, stringParam(params, "url"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.deps.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return tools.Fail(fmt.Sprintf("download returned status %d", resp.StatusCode)), nil
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes))
	if err != nil {
		return nil, err
	}

	res, err := t.deps.Workspaces.Apply(sessionParam(params), []workflow.Artifact{{
		RelativePath: stringParam(params, "path"),
		Content:      string(raw),
		Action:       workflow.ArtifactModified,
	}})
	if err != nil {
		return nil, err
	}
	applied := res.Applied[0]
	return tools.Ok(fmt.Sprintf("saved %s (%d bytes)", applied.RelativePath, applied.SizeBytes)), nil
}
