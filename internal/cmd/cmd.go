// Copyright 2021 Tetrate
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cmd is the CLI surface: build, inspect and list-layers
// subcommands under a single urfave/cli/v2 app, following the teacher's own
// internal/cmd shape (a newApp constructor plus a Run entrypoint that maps
// every error to an exit code, so cmd/carinit/main.go stays a two-line
// wrapper).
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/urfave/cli/v2"

	"github.com/tetratelabs/carinit/api"
)

// Run parses argsToUse, executes the matching subcommand and returns the
// process exit code per spec.md §6/§7. All error logging happens here so no
// other package needs an os.Exit path.
func Run(ctx context.Context, stdout, stderr io.Writer, args []string) int {
	app := newApp()
	app.Writer = stdout
	app.ErrWriter = stderr

	err := app.RunContext(ctx, args)
	if err == nil {
		return 0
	}

	var ke *api.KindError
	if errors.As(err, &ke) {
		fmt.Fprintln(stderr, "error:", ke.Err) //nolint
		return exitCode(ke.Kind)
	}
	fmt.Fprintln(stderr, "error:", err) //nolint
	return 1
}

// exitCode maps a Kind to the process exit code spec.md §6 names. Kinds the
// table doesn't single out (tar-malformed, assembly) fall through to the
// "other" code, same as any unwrapped error.
func exitCode(k api.Kind) int {
	switch k {
	case api.KindUsage:
		return 2
	case api.KindReferenceNotFound:
		return 3
	case api.KindPlatformNotFound:
		return 4
	case api.KindAuth:
		return 5
	case api.KindDigestMismatch:
		return 6
	case api.KindIO:
		return 7
	default:
		return 1
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:     "carinit",
		Usage:    "build a microVM initramfs from a container image",
		HideHelp: false,
		OnUsageError: func(c *cli.Context, err error, _ bool) error {
			return api.NewKindError(api.KindUsage, err)
		},
		Commands: []*cli.Command{
			buildCommand(),
			inspectCommand(),
			listLayersCommand(),
		},
	}
}
