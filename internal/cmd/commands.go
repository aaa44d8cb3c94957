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
	"github.com/urfave/cli/v2"

	"github.com/tetratelabs/carinit/api"
	"github.com/tetratelabs/carinit/internal/driver"
	"github.com/tetratelabs/carinit/internal/httpclient"
	"github.com/tetratelabs/carinit/internal/registry"
	"github.com/tetratelabs/carinit/internal/registry/auth"
)

func newRegistry(c *cli.Context, domain string) (api.Registry, error) {
	creds, err := auth.LoadCredentials()
	if err != nil {
		return nil, api.NewKindError(api.KindAuth, err)
	}
	ctx := httpclient.ContextWithTransport(c.Context, httpclient.ProxyTransport())
	return registry.New(ctx, domain, creds), nil
}

func buildCommand() *cli.Command {
	return &cli.Command{
		Name:      "build",
		Usage:     "assemble an initramfs archive from a container image",
		ArgsUsage: "IMAGE",
		Flags:     sharedFlags(),
		OnUsageError: func(_ *cli.Context, err error, _ bool) error {
			return api.NewKindError(api.KindUsage, err)
		},
		Action: func(c *cli.Context) error {
			ref, err := validateReferenceArg(c)
			if err != nil {
				return err
			}
			arch, err := validateArchFlag(c)
			if err != nil {
				return err
			}
			kind, err := validateCompressionFlag(c)
			if err != nil {
				return err
			}
			injections, err := validateInjectFlags(c.StringSlice(flagInject))
			if err != nil {
				return err
			}

			r, err := newRegistry(c, ref.Domain())
			if err != nil {
				return err
			}

			return driver.Build(c.Context, r, ref, driver.Options{
				Arch:        arch,
				Compression: kind,
				Output:      c.String(flagOutput),
				Injections:  injections,
				InitScript:  c.String(flagInit),
				Excludes:    c.StringSlice(flagExclude),
				Verbose:     verbosity(c),
				Progress:    c.App.Writer,
			})
		},
	}
}

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "print a manifest summary: digest, layer count, total layer size",
		ArgsUsage: "IMAGE",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: flagPlatformArc, Value: defaultArch, Usage: "image architecture to select from a multi-platform index"},
		},
		OnUsageError: func(_ *cli.Context, err error, _ bool) error {
			return api.NewKindError(api.KindUsage, err)
		},
		Action: func(c *cli.Context) error {
			ref, err := validateReferenceArg(c)
			if err != nil {
				return err
			}
			arch, err := validateArchFlag(c)
			if err != nil {
				return err
			}
			r, err := newRegistry(c, ref.Domain())
			if err != nil {
				return err
			}
			return driver.Inspect(c.Context, r, ref, arch, c.App.Writer)
		},
	}
}

func listLayersCommand() *cli.Command {
	return &cli.Command{
		Name:      "list-layers",
		Usage:     "print each filesystem layer's index, digest and size",
		ArgsUsage: "IMAGE",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: flagPlatformArc, Value: defaultArch, Usage: "image architecture to select from a multi-platform index"},
		},
		OnUsageError: func(_ *cli.Context, err error, _ bool) error {
			return api.NewKindError(api.KindUsage, err)
		},
		Action: func(c *cli.Context) error {
			ref, err := validateReferenceArg(c)
			if err != nil {
				return err
			}
			arch, err := validateArchFlag(c)
			if err != nil {
				return err
			}
			r, err := newRegistry(c, ref.Domain())
			if err != nil {
				return err
			}
			return driver.ListLayers(c.Context, r, ref, arch, c.App.Writer)
		},
	}
}
