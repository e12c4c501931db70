package cmd

import (
	"bytes"
	"encoding/json"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MeKo-Tech/docsort/internal/app"
	"github.com/MeKo-Tech/docsort/internal/document"
	"github.com/MeKo-Tech/docsort/internal/search"
	"github.com/MeKo-Tech/docsort/internal/server"
	"github.com/MeKo-Tech/docsort/internal/testutil"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const invoiceText = "Stadtwerke Musterstadt GmbH\nStromrechnung 2024\nAbschlag Betrag 84,00 EUR"

// resetFlags restores every flag to its default; cobra keeps values
// between executions of the same command tree.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// execute runs the CLI in a temporary working directory, so the relative
// default paths of the catalog and storage land there.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(new(bytes.Buffer))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func useWorkspace(t *testing.T, ocrText string) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	appOptions = []app.Option{app.WithOCR(testutil.NewTextEngine(ocrText))}
	t.Cleanup(func() { appOptions = nil })
	return dir
}

func writeScan(t *testing.T, path string) {
	t.Helper()
	const w, h = 600, 800
	page := testutil.DefaultPageConfig()
	page.Lines = strings.Split(invoiceText, "\n")
	scene := testutil.Scene(testutil.Page(page), testutil.SkewedQuad(w, h), w, h, color.Gray{Y: 40})
	require.NoError(t, os.WriteFile(path, testutil.EncodePNG(t, scene), 0o600))
}

func TestRootCommand(t *testing.T) {
	assert.NotNil(t, rootCmd)
	assert.Equal(t, "docsort", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestRootCommandHelp(t *testing.T) {
	useWorkspace(t, "")
	out, err := execute(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "checkpointed pipeline")
	assert.Contains(t, out, "Available Commands:")
	assert.Contains(t, out, "Usage:")
}

func TestRootCommandVersion(t *testing.T) {
	useWorkspace(t, "")
	out, err := execute(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "docsort version")

	out, err = execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Commit:")
}

func TestRootCommandSubcommands(t *testing.T) {
	var names []string
	for _, sub := range rootCmd.Commands() {
		names = append(names, sub.Name())
	}
	for _, expected := range []string{
		"ingest", "list", "show", "retry", "correct", "recrop", "delete",
		"search", "reindex", "sync", "categories", "companies", "serve", "watch", "config", "version",
	} {
		assert.Contains(t, names, expected, "Expected subcommand '%s' not found", expected)
	}
}

func TestRootCommandInvalidFlag(t *testing.T) {
	useWorkspace(t, "")
	_, err := execute(t, "--invalid-flag")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown flag")
}

func TestDocumentLifecycle(t *testing.T) {
	dir := useWorkspace(t, invoiceText)
	scan := filepath.Join(dir, "rechnung.png")
	writeScan(t, scan)

	out, err := execute(t, "ingest", scan, "--format", "json")
	require.NoError(t, err)
	var res ingestOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Len(t, res.Documents, 1)
	assert.Equal(t, 1, res.Stats.Stored)
	doc := res.Documents[0]
	assert.Equal(t, "Stored", doc.State)
	require.NotNil(t, doc.Classification)
	assert.Equal(t, "Invoice", doc.Classification.Category)
	assert.FileExists(t, filepath.Join(dir, "data", "storage", filepath.FromSlash(doc.Locator)))

	out, err = execute(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, doc.ID)
	assert.Contains(t, out, "Invoice")

	out, err = execute(t, "search", "stromrechnung", "--format", "json")
	require.NoError(t, err)
	var hits []search.Hit
	require.NoError(t, json.Unmarshal([]byte(out), &hits))
	require.NotEmpty(t, hits)
	assert.Equal(t, doc.ID, hits[0].DocumentID)

	out, err = execute(t, "correct", doc.ID, "--category", "Insurance", "--company", "Allianz", "--format", "json")
	require.NoError(t, err)
	var corrected server.DocumentView
	require.NoError(t, json.Unmarshal([]byte(out), &corrected))
	assert.Equal(t, "Insurance", corrected.Classification.Category)
	assert.True(t, corrected.Classification.Corrected)
	assert.Contains(t, corrected.Locator, "DocSort/Insurance/Allianz/")

	out, err = execute(t, "companies", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Allianz", "corrected companies become known")

	out, err = execute(t, "delete", doc.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "deleted "+doc.ID)

	_, err = execute(t, "show", doc.ID)
	assert.Error(t, err)
}

func TestCorrect_UnknownCategory(t *testing.T) {
	dir := useWorkspace(t, invoiceText)
	scan := filepath.Join(dir, "a.png")
	writeScan(t, scan)
	out, err := execute(t, "ingest", scan, "--format", "json")
	require.NoError(t, err)
	var res ingestOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res))

	_, err = execute(t, "correct", res.Documents[0].ID, "--category", "Recipes")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown category")
}

func TestRetryFailed_ResumesInterruptedDocuments(t *testing.T) {
	dir := useWorkspace(t, invoiceText)
	scan := filepath.Join(dir, "a.png")
	writeScan(t, scan)
	out, err := execute(t, "ingest", scan, "--format", "json")
	require.NoError(t, err)
	var res ingestOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	id := res.Documents[0].ID

	// A run that stopped after indexing leaves the checkpoint at Indexed.
	a, err := app.New(t.Context(), GetConfig(), appOptions...)
	require.NoError(t, err)
	cp, err := a.Catalog.Checkpoint(t.Context(), id)
	require.NoError(t, err)
	cp.State, cp.Last = document.StateIndexed, document.StateIndexed
	require.NoError(t, a.Catalog.SaveCheckpoint(t.Context(), cp))
	require.NoError(t, a.Close())

	out, err = execute(t, "retry", "--failed")
	require.NoError(t, err)
	assert.Contains(t, out, "a.png")

	out, err = execute(t, "show", id, "--format", "json")
	require.NoError(t, err)
	var view server.DocumentView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, "Stored", view.State)
}

func TestIngest_UnsupportedFile(t *testing.T) {
	dir := useWorkspace(t, "")
	txt := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(txt, []byte("x"), 0o600))

	_, err := execute(t, "ingest", txt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported file type")
}

func TestCategoriesCommand(t *testing.T) {
	useWorkspace(t, "")
	out, err := execute(t, "categories", "--lang", "de-AT")
	require.NoError(t, err)
	assert.Contains(t, out, "Rechnung")
	assert.Contains(t, out, document.OtherCategory)

	out, err = execute(t, "categories")
	require.NoError(t, err)
	assert.NotContains(t, out, "Rechnung")
}

func TestCategoriesAdd(t *testing.T) {
	dir := useWorkspace(t, "")
	out, err := execute(t, "categories", "add", "Recipes", "recipes", "Invoice")
	require.NoError(t, err)
	assert.Contains(t, out, "added Recipes")
	assert.Contains(t, out, "already configured: recipes")
	assert.Contains(t, out, "already configured: Invoice")
	assert.FileExists(t, filepath.Join(dir, "data", "categories.yaml"))

	out, err = execute(t, "categories")
	require.NoError(t, err)
	assert.Contains(t, out, "Recipes")

	_, err = execute(t, "categories", "add", "a/b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid category")
}

func TestCompaniesAdd(t *testing.T) {
	dir := useWorkspace(t, "")
	out, err := execute(t, "companies", "add", "Stadtwerke Musterstadt", "stadtwerke  musterstadt")
	require.NoError(t, err)
	assert.Contains(t, out, "added Stadtwerke Musterstadt")
	assert.Contains(t, out, "already known")
	assert.FileExists(t, filepath.Join(dir, "data", "companies.yaml"))
}

func TestConfigInit(t *testing.T) {
	dir := useWorkspace(t, "")
	file := filepath.Join(dir, "conf", "docsort.yaml")

	_, err := execute(t, "config", "init", file)
	require.NoError(t, err)
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "categories:")

	_, err = execute(t, "config", "init", file)
	require.Error(t, err, "existing files are kept")
	_, err = execute(t, "config", "init", file, "--force")
	require.NoError(t, err)
}

func TestCollectFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o750))
	for _, name := range []string{"a.png", "b.JPG", "notes.txt", "sub/c.pdf"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o600))
	}

	files, err := collectFiles([]string{dir}, false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{filepath.Join(dir, "a.png"), filepath.Join(dir, "b.JPG")}, files)

	files, err = collectFiles([]string{dir}, true)
	require.NoError(t, err)
	assert.Len(t, files, 3)

	_, err = collectFiles([]string{filepath.Join(dir, "missing.png")}, false)
	assert.Error(t, err)
}

func TestParsePoint(t *testing.T) {
	p, err := parsePoint(" 12.5, 40 ")
	require.NoError(t, err)
	assert.Equal(t, document.Point{X: 12.5, Y: 40}, p)

	for _, bad := range []string{"12", "a,1", "1,b"} {
		_, err := parsePoint(bad)
		assert.Error(t, err, bad)
	}
}

func TestOneLine(t *testing.T) {
	assert.Equal(t, "a b c", oneLine("a\n b\tc", 10))
	assert.Equal(t, "abcd…", oneLine("abcdefgh", 5))
}

func TestPrintIngestLine(t *testing.T) {
	var buf bytes.Buffer
	cp := &document.Checkpoint{ID: "doc-1", State: document.StateFailed, Last: document.StateEnhanced,
		Failure: &document.Failure{Stage: document.StateTextExtracted, Kind: document.KindOcrUnavailable,
			Reason: "tesseract missing", At: time.Now()}}
	printIngestLine(&buf, "a.png", cp)
	assert.Contains(t, buf.String(), "Failed(TextExtracted, OcrUnavailableError)")

	buf.Reset()
	printIngestLine(&buf, "b.png", nil)
	assert.Equal(t, "b.png: not recorded\n", buf.String())
}
