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

package cmd

import (
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/tetratelabs/carinit/api"
	"github.com/tetratelabs/carinit/internal/compress"
	"github.com/tetratelabs/carinit/internal/driver"
	"github.com/tetratelabs/carinit/internal/reference"
)

const (
	flagOutput      = "output"
	flagInject      = "inject"
	flagInit        = "init"
	flagExclude     = "exclude"
	flagPlatformArc = "platform-arch"
	flagCompression = "compression"
	flagVerbose     = "verbose"
	flagVeryVerbose = "very-verbose"

	defaultOutput      = "initramfs.cpio.gz"
	defaultArch        = "amd64"
	defaultCompression = "gzip"
)

// validArches are the only --platform-arch values the CLI accepts, per
// spec.md §6. Generalized from the teacher's internal.IsValidArch, which
// also allowed a --platform OS component this CLI never exposes.
var validArches = map[string]bool{"amd64": true, "arm64": true}

func sharedFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  flagOutput,
			Aliases: []string{"o"},
			Value: defaultOutput,
			Usage: "path to write the initramfs archive to",
		},
		&cli.StringSliceFlag{
			Name:  flagInject,
			Usage: "host-path:guest-path file to add to the image, repeatable",
		},
		&cli.StringFlag{
			Name:  flagInit,
			Usage: "host path to a script installed as /init",
		},
		&cli.StringSliceFlag{
			Name:  flagExclude,
			Usage: "glob pattern of paths to drop from the assembled image, repeatable",
		},
		&cli.StringFlag{
			Name:  flagPlatformArc,
			Value: defaultArch,
			Usage: "image architecture to select from a multi-platform index: amd64 or arm64",
		},
		&cli.StringFlag{
			Name:    flagCompression,
			Aliases: []string{"c"},
			Value:   defaultCompression,
			Usage:   "output compression: gzip, zstd or none",
		},
		&cli.BoolFlag{
			Name:    flagVerbose,
			Aliases: []string{"v"},
			Usage:   "print one line per layer applied",
		},
		&cli.BoolFlag{
			Name:  flagVeryVerbose,
			Usage: "print one line per file within each layer applied",
		},
	}
}

// verbosity maps --verbose/--very-verbose to a driver.Options.Verbose level.
func verbosity(c *cli.Context) int {
	switch {
	case c.Bool(flagVeryVerbose):
		return 2
	case c.Bool(flagVerbose):
		return 1
	default:
		return 0
	}
}

func validateReferenceArg(c *cli.Context) (*reference.Reference, error) {
	if c.NArg() != 1 {
		return nil, api.NewKindError(api.KindUsage, fmt.Errorf("expected exactly one IMAGE argument"))
	}
	ref, err := reference.Parse(c.Args().First())
	if err != nil {
		return nil, api.NewKindError(api.KindUsage, err)
	}
	return ref, nil
}

func validateArchFlag(c *cli.Context) (string, error) {
	arch := c.String(flagPlatformArc)
	if !validArches[arch] {
		return "", api.NewKindError(api.KindUsage, fmt.Errorf("invalid %s flag: %q must be amd64 or arm64", flagPlatformArc, arch))
	}
	return arch, nil
}

func validateCompressionFlag(c *cli.Context) (compress.Kind, error) {
	switch c.String(flagCompression) {
	case "gzip":
		return compress.Gzip, nil
	case "zstd":
		return compress.Zstd, nil
	case "none":
		return compress.Identity, nil
	default:
		return "", api.NewKindError(api.KindUsage, fmt.Errorf("invalid %s flag: %q must be gzip, zstd or none", flagCompression, c.String(flagCompression)))
	}
}

// validateInjectFlags parses each --inject SRC:DEST value, per spec.md §6's
// "Injection syntax": both paths non-empty, guest-path absolute.
func validateInjectFlags(values []string) ([]driver.Injection, error) {
	injections := make([]driver.Injection, 0, len(values))
	for _, v := range values {
		src, dest, ok := strings.Cut(v, ":")
		if !ok || src == "" || dest == "" {
			return nil, api.NewKindError(api.KindUsage, fmt.Errorf("invalid %s flag %q: expected host-path:guest-path", flagInject, v))
		}
		if !strings.HasPrefix(dest, "/") {
			return nil, api.NewKindError(api.KindUsage, fmt.Errorf("invalid %s flag %q: guest-path must be absolute", flagInject, v))
		}
		injections = append(injections, driver.Injection{HostPath: src, DestPath: dest})
	}
	return injections, nil
}
