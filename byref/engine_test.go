package byref

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PatchLens/go-byref/bytecode"
)

func writeContainer(t *testing.T, code *bytecode.Code) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "prog.byrc")
	require.NoError(t, bytecode.WriteCodeFile(path, code))
	return path
}

func TestSurveyEngine(t *testing.T) {
	t.Parallel()

	t.Run("survey_inject_run", func(t *testing.T) {
		code := decoratedAddModule(t)
		jsonFile := filepath.Join(t.TempDir(), "report.json")
		engine := NewSurveyEngine(&Config{
			CodeFile: writeContainer(t, code),
			JsonFile: jsonFile,
			CacheMB:  1,
			Inject:   []string{"add"},
			Run:      true,
		})
		var out bytes.Buffer
		engine.Stdout = &out

		report, err := engine.Run(t.Context())
		require.NoError(t, err)
		assert.Equal(t, len(report.Sites), report.Summary.Sites)
		assert.NotZero(t, report.Summary.Sites)
		assert.Empty(t, report.Summary.Failures)
		assert.Equal(t, bytecode.SupportedVersion, report.Version)
		assert.Contains(t, report.InjectedDiff["add"], hookFreeVar)
		assert.Contains(t, out.String(), report.InjectedDiff["add"])
		assert.Contains(t, out.String(), "60\n")

		loaded, err := ReadReportFile(jsonFile)
		require.NoError(t, err)
		assert.Equal(t, report.Summary, loaded.Summary)
		assert.Equal(t, report.Sites, loaded.Sites)
	})

	t.Run("unknown_inject_target", func(t *testing.T) {
		engine := NewSurveyEngine(&Config{
			CodeFile: writeContainer(t, surveyModule(t)),
			Inject:   []string{"missing"},
		})
		engine.Stdout = &bytes.Buffer{}
		_, err := engine.Run(t.Context())
		require.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("missing_code_file", func(t *testing.T) {
		_, err := NewSurveyEngine(&Config{}).Run(t.Context())
		require.Error(t, err)
	})

	t.Run("persisted_reports", func(t *testing.T) {
		if testing.Short() {
			t.Skip("skipping badger storage in short mode")
		}

		code := surveyModule(t)
		dbDir := filepath.Join(t.TempDir(), "db")
		engine := NewSurveyEngine(&Config{CodeFile: writeContainer(t, code), DBDir: dbDir})
		report, err := engine.Run(t.Context())
		require.NoError(t, err)

		storage, err := NewBadgerStorage(dbDir, 16, true)
		require.NoError(t, err)
		store := NewReportStore(KeyPrefixStorage(storage, "sites"))
		defer store.Close()
		got, err := store.LoadCode(code.Key())
		require.NoError(t, err)
		assert.Equal(t, report.Sites[:1], got)
	})
}
