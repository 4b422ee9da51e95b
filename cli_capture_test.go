package main

import (
	"bytes"
	"path/filepath"
	"testing"
)

// cliOutput 收集 run 写到 stdOut/stdErr 的内容，测试结束后恢复原 writer。
type cliOutput struct {
	stdout bytes.Buffer
	stderr bytes.Buffer
}

func captureCLI(t *testing.T) *cliOutput {
	t.Helper()
	captured := &cliOutput{}
	prevOut, prevErr := stdOut, stdErr
	stdOut, stdErr = &captured.stdout, &captured.stderr
	t.Cleanup(func() {
		stdOut, stdErr = prevOut, prevErr
	})
	return captured
}

// configFixture 指向 internal/config/testdata；go test 以包目录（即仓库根）为工作目录。
func configFixture(name string) string {
	return filepath.Join("internal", "config", "testdata", name)
}
