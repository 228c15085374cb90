// Copyright 2026 The agentchattr Authors
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"fmt"
	"os/exec"
	"runtime"
)

// revealPath asks the host desktop to reveal path in its file manager.
// Best-effort: if no opener is available, the caller surfaces a single
// warning and the operator falls back to their own file manager.
func revealPath(path string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", "-R", path)
	case "windows":
		cmd = exec.Command("explorer", "/select,", path)
	default:
		cmd = exec.Command("xdg-open", path)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launching desktop opener: %w", err)
	}
	return nil
}
