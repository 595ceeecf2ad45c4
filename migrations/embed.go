/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package migrations embeds webhookd's goose-format schema migrations so
// the server binary can apply them on startup without shelling out to the
// goose CLI or relying on a migrations directory being present on disk.
package migrations

import "embed"

// FS holds every *.sql file in this directory, keyed by filename, for
// goose.SetBaseFS.
//
//go:embed *.sql
var FS embed.FS
