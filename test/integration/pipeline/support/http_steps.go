package support

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/MeKo-Tech/docsort/internal/server"
	"github.com/cucumber/godog"
)

func (testCtx *TestContext) theHTTPAPIIsRunning() error {
	if err := testCtx.Start(); err != nil {
		return err
	}
	srv, err := testCtx.App.Server(testCtx.App.ServerConfig())
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	testCtx.HTTPServer = httptest.NewServer(srv.Handler())
	return nil
}

func (testCtx *TestContext) do(method, path, contentType string, body io.Reader) error {
	if testCtx.HTTPServer == nil {
		return fmt.Errorf("HTTP API is not running")
	}
	req, err := http.NewRequestWithContext(context.Background(), method, testCtx.HTTPServer.URL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := testCtx.HTTPServer.Client().Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	testCtx.LastHTTPStatusCode = resp.StatusCode
	testCtx.LastHTTPResponse = string(data)

	var doc server.DocumentResponse
	if json.Unmarshal(data, &doc) == nil && doc.Document.ID != "" {
		cp, err := testCtx.App.Orchestrator.Get(context.Background(), doc.Document.ID)
		if err == nil {
			testCtx.LastCheckpoint = cp
		}
	}
	return nil
}

func (testCtx *TestContext) upload(filename string, data []byte) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", filename)
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}
	return testCtx.do(http.MethodPost, "/documents", mw.FormDataContentType(), &body)
}

func (testCtx *TestContext) iUploadASkewedPhoto() error {
	data, err := testCtx.skewedPhoto()
	if err != nil {
		return err
	}
	return testCtx.upload("rechnung.png", data)
}

func (testCtx *TestContext) iUploadAFileThatIsNotAnImage() error {
	return testCtx.upload("scan.png", []byte("definitely not a png"))
}

// expand replaces {id} with the id of the last document.
func (testCtx *TestContext) expand(path string) string {
	if testCtx.LastCheckpoint != nil {
		path = strings.ReplaceAll(path, "{id}", testCtx.LastCheckpoint.ID)
	}
	return path
}

func (testCtx *TestContext) iGET(path string) error {
	return testCtx.do(http.MethodGet, testCtx.expand(path), "", nil)
}

func (testCtx *TestContext) iPOST(path string) error {
	return testCtx.do(http.MethodPost, testCtx.expand(path), "", nil)
}

func (testCtx *TestContext) iPOSTWithBody(path string, body *godog.DocString) error {
	return testCtx.do(http.MethodPost, testCtx.expand(path), "application/json", strings.NewReader(body.Content))
}

func (testCtx *TestContext) iPUTWithBody(path string, body *godog.DocString) error {
	return testCtx.do(http.MethodPut, testCtx.expand(path), "application/json", strings.NewReader(body.Content))
}

func (testCtx *TestContext) theResponseStatusShouldBe(status int) error {
	if testCtx.LastHTTPStatusCode != status {
		return fmt.Errorf("expected status %d, got %d: %s", status, testCtx.LastHTTPStatusCode, testCtx.LastHTTPResponse)
	}
	return nil
}

func (testCtx *TestContext) theResponseShouldContain(text string) error {
	if !strings.Contains(testCtx.LastHTTPResponse, testCtx.expand(text)) {
		return fmt.Errorf("expected response to contain %q, got %s", text, testCtx.LastHTTPResponse)
	}
	return nil
}

func (testCtx *TestContext) theResponseDocumentStateShouldBe(state string) error {
	var resp server.DocumentResponse
	if err := json.Unmarshal([]byte(testCtx.LastHTTPResponse), &resp); err != nil {
		return fmt.Errorf("response is not a document: %w", err)
	}
	if resp.Document.State != state {
		return fmt.Errorf("expected state %s, got %s", state, resp.Document.State)
	}
	return nil
}

// RegisterHTTPSteps registers the steps driving the HTTP API.
func (testCtx *TestContext) RegisterHTTPSteps(sc *godog.ScenarioContext) {
	sc.Step(`^the HTTP API is running$`, testCtx.theHTTPAPIIsRunning)
	sc.Step(`^I upload a skewed photo of a page$`, testCtx.iUploadASkewedPhoto)
	sc.Step(`^I upload a file that is not an image$`, testCtx.iUploadAFileThatIsNotAnImage)
	sc.Step(`^I GET "([^"]*)"$`, testCtx.iGET)
	sc.Step(`^I POST "([^"]*)"$`, testCtx.iPOST)
	sc.Step(`^I POST "([^"]*)" with:$`, testCtx.iPOSTWithBody)
	sc.Step(`^I PUT "([^"]*)" with:$`, testCtx.iPUTWithBody)
	sc.Step(`^the response status should be (\d+)$`, testCtx.theResponseStatusShouldBe)
	sc.Step(`^the response should contain "([^"]*)"$`, testCtx.theResponseShouldContain)
	sc.Step(`^the response document state should be "([^"]*)"$`, testCtx.theResponseDocumentStateShouldBe)
}
