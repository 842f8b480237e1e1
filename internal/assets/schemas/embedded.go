// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so metadata validation works regardless
// of the working directory the orchestrator is started from.
package schemasassets

import _ "embed"

// RunMetadataSchema is the embedded run-metadata JSON schema.
//
// Every run_metadata.json read back during resume is validated against it.
//
//go:embed run-metadata.schema.json
var RunMetadataSchema []byte
