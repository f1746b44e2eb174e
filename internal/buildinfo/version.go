// Copyright 2024 The pidsentry Authors.
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

// Package buildinfo holds the version string, set via -ldflags at build
// time the way runsc/version.Version is, and attached as the "version"
// field of every entry logged through cmd/pidsentry's logger.
package buildinfo

// version is overridden at link time: -ldflags
// "-X github.com/talismancer/pidsentry/internal/buildinfo.version=1.2.3".
var version = "dev"

// Version returns the build's version string.
func Version() string { return version }
