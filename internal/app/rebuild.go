package app

import (
	"context"

	"github.com/bobmcallan/jobsrv/internal/common"
	"github.com/bobmcallan/jobsrv/internal/storage/promisekv"
)

const schemaVersionKey = "jobsrv_schema_version"
const buildTimestampKey = "jobsrv_build_timestamp"

// checkSchemaVersion compares the stored schema version against
// common.SchemaVersion. On mismatch (or missing version) it records the
// new version; the promise KV store has no secondary indexes or derived
// caches to purge, so unlike the teacher's finance-domain rebuild this
// never deletes promise data, only the version marker itself. Returns
// true if the version record was created or changed.
func checkSchemaVersion(ctx context.Context, kv *promisekv.Store, logger *common.Logger) bool {
	stored, ok, err := kv.GetSystem(ctx, schemaVersionKey)
	if err == nil && ok && stored == common.SchemaVersion {
		logger.Info().Str("version", common.SchemaVersion).Msg("schema version matches, no migration needed")
		return false
	}

	if !ok {
		logger.Info().Str("current", common.SchemaVersion).Msg("schema version not found, initializing")
	} else {
		logger.Warn().Str("stored", stored).Str("current", common.SchemaVersion).Msg("schema version mismatch")
	}

	if err := kv.SetSystem(ctx, schemaVersionKey, common.SchemaVersion); err != nil {
		logger.Error().Err(err).Msg("failed to store schema version")
	}
	return true
}

// checkDevBuildChange records the current build timestamp and reports
// whether it changed since the last startup, in non-production
// environments only. There is nothing in this core for a build change to
// invalidate; the check exists purely as an observability signal for
// embedders that do cache intermediate results outside the core.
func checkDevBuildChange(ctx context.Context, kv *promisekv.Store, config *common.Config, logger *common.Logger) bool {
	if !config.IsDevelopment() {
		return false
	}

	currentBuild := common.GetBuild()
	if currentBuild == "unknown" {
		return false
	}

	storedBuild, ok, err := kv.GetSystem(ctx, buildTimestampKey)
	if err == nil && ok && storedBuild == currentBuild {
		logger.Debug().Str("build", currentBuild).Msg("build timestamp unchanged")
		return false
	}

	if ok && storedBuild != "" {
		logger.Info().Str("previous_build", storedBuild).Str("current_build", currentBuild).Msg("dev mode: build changed")
	}

	if err := kv.SetSystem(ctx, buildTimestampKey, currentBuild); err != nil {
		logger.Error().Err(err).Msg("failed to store build timestamp")
	}
	return ok && storedBuild != ""
}
