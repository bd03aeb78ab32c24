package applier_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/patchloop/orchestrator/runtime/applier"
)

const modifyPatch = `diff --git a/greet.go b/greet.go
--- a/greet.go
+++ b/greet.go
@@ -1,3 +1,3 @@
 package greet

-func Hello() string { return "hi" }
+func Hello() string { return "hello" }
`

const createPatch = `diff --git a/new.go b/new.go
--- /dev/null
+++ b/new.go
@@ -0,0 +1,1 @@
+package greet
`

const deletePatch = `diff --git a/greet.go b/greet.go
--- a/greet.go
+++ /dev/null
@@ -1,1 +0,0 @@
-package greet
`

const twoFilePatch = modifyPatch + `diff --git a/new.go b/new.go
--- /dev/null
+++ b/new.go
@@ -0,0 +1,1 @@
+package greet
`

func writeRepoFile(t *testing.T, root, rel, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(root, filepath.Dir(rel)), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, rel), []byte(content), 0o644))
}

func TestApplyUnifiedDiffModifiesFile(t *testing.T) {
	root := t.TempDir()
	writeRepoFile(t, root, "greet.go", "package greet\n\nfunc Hello() string { return \"hi\" }\n")

	res, err := applier.ApplyUnifiedDiff(root, modifyPatch, applier.Options{})
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.Equal(t, []string{"greet.go"}, res.FilesChanged)

	data, err := os.ReadFile(filepath.Join(root, "greet.go"))
	require.NoError(t, err)
	require.Contains(t, string(data), `"hello"`)
}

func TestApplyUnifiedDiffCreatesFile(t *testing.T) {
	root := t.TempDir()

	res, err := applier.ApplyUnifiedDiff(root, createPatch, applier.Options{})
	require.NoError(t, err)
	require.True(t, res.Applied)

	data, err := os.ReadFile(filepath.Join(root, "new.go"))
	require.NoError(t, err)
	require.Equal(t, "package greet\n", string(data))
}

func TestApplyUnifiedDiffDeletesFile(t *testing.T) {
	root := t.TempDir()
	writeRepoFile(t, root, "greet.go", "package greet\n")

	res, err := applier.ApplyUnifiedDiff(root, deletePatch, applier.Options{})
	require.NoError(t, err)
	require.True(t, res.Applied)

	_, err = os.Stat(filepath.Join(root, "greet.go"))
	require.True(t, os.IsNotExist(err))
}

func TestApplyUnifiedDiffDryRunDoesNotMutate(t *testing.T) {
	root := t.TempDir()
	writeRepoFile(t, root, "greet.go", "package greet\n\nfunc Hello() string { return \"hi\" }\n")

	res, err := applier.ApplyUnifiedDiff(root, modifyPatch, applier.Options{DryRun: true})
	require.NoError(t, err)
	require.True(t, res.Applied)

	data, err := os.ReadFile(filepath.Join(root, "greet.go"))
	require.NoError(t, err)
	require.Contains(t, string(data), `"hi"`)
}

func TestApplyUnifiedDiffConflictOnMismatchedContext(t *testing.T) {
	root := t.TempDir()
	writeRepoFile(t, root, "greet.go", "package greet\n\nfunc Hello() string { return \"totally different\" }\n")

	_, err := applier.ApplyUnifiedDiff(root, modifyPatch, applier.Options{})
	require.Error(t, err)
	var patchErr *applier.PatchOpError
	require.ErrorAs(t, err, &patchErr)
	require.Equal(t, applier.ErrorKindConflict, patchErr.Kind)
}

func TestApplyUnifiedDiffConflictOnMissingFile(t *testing.T) {
	root := t.TempDir()

	_, err := applier.ApplyUnifiedDiff(root, modifyPatch, applier.Options{})
	require.Error(t, err)
	var patchErr *applier.PatchOpError
	require.ErrorAs(t, err, &patchErr)
	require.Equal(t, applier.ErrorKindConflict, patchErr.Kind)
}

func TestApplyUnifiedDiffRejectsTooManyFiles(t *testing.T) {
	root := t.TempDir()
	writeRepoFile(t, root, "greet.go", "package greet\n\nfunc Hello() string { return \"hi\" }\n")

	_, err := applier.ApplyUnifiedDiff(root, modifyPatch, applier.Options{MaxFilesChanged: 1})
	require.NoError(t, err)

	_, err = applier.ApplyUnifiedDiff(root, twoFilePatch, applier.Options{MaxFilesChanged: 1})
	require.Error(t, err)
	var patchErr *applier.PatchOpError
	require.ErrorAs(t, err, &patchErr)
	require.Equal(t, applier.ErrorKindLimit, patchErr.Kind)
}

func TestApplyUnifiedDiffRejectsLineLimit(t *testing.T) {
	root := t.TempDir()
	writeRepoFile(t, root, "greet.go", "package greet\n\nfunc Hello() string { return \"hi\" }\n")

	_, err := applier.ApplyUnifiedDiff(root, modifyPatch, applier.Options{MaxLinesTouched: 1})
	require.Error(t, err)
	var patchErr *applier.PatchOpError
	require.ErrorAs(t, err, &patchErr)
	require.Equal(t, applier.ErrorKindLimit, patchErr.Kind)
}

func TestApplyUnifiedDiffRejectsBinaryByDefault(t *testing.T) {
	root := t.TempDir()
	writeRepoFile(t, root, "image.bin", "x")

	binaryPatch := "diff --git a/image.bin b/image.bin\n" +
		"--- a/image.bin\n" +
		"+++ b/image.bin\n" +
		"Binary files a/image.bin and b/image.bin differ\n"

	_, err := applier.ApplyUnifiedDiff(root, binaryPatch, applier.Options{})
	require.Error(t, err)
	var patchErr *applier.PatchOpError
	require.ErrorAs(t, err, &patchErr)
	require.Equal(t, applier.ErrorKindBinary, patchErr.Kind)
}

func TestApplyUnifiedDiffMalformedWhenNoFileSections(t *testing.T) {
	root := t.TempDir()

	_, err := applier.ApplyUnifiedDiff(root, "not a diff at all\njust text\n", applier.Options{})
	require.Error(t, err)
	var patchErr *applier.PatchOpError
	require.ErrorAs(t, err, &patchErr)
	require.Equal(t, applier.ErrorKindMalformed, patchErr.Kind)
}

func TestApplyUnifiedDiffLeavesTreeUnchangedOnConflict(t *testing.T) {
	root := t.TempDir()
	original := "package greet\n\nfunc Hello() string { return \"totally different\" }\n"
	writeRepoFile(t, root, "greet.go", original)

	_, err := applier.ApplyUnifiedDiff(root, modifyPatch, applier.Options{})
	require.Error(t, err)

	data, err := os.ReadFile(filepath.Join(root, "greet.go"))
	require.NoError(t, err)
	require.Equal(t, original, string(data))
}
