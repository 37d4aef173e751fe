//go:build !unix

package agent

import "os/exec"

func configureProcess(cmd *exec.Cmd) {}
