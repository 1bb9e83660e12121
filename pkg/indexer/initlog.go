package indexer

import (
	"bufio"
	"encoding/json"
	"os"

	"github.com/cuemby/hutch/pkg/types"
)

// writeInitialLog writes one JSON line per processed uuid to the
// configured log path, once: if the file already exists it is left
// untouched. A failure here never affects cycle completion.
func (ix *Indexer) writeInitialLog(infos []types.UpdateInfo) {
	if !ix.cfg.InitialLog || ix.cfg.InitialLogPath == "" || len(infos) == 0 {
		return
	}
	if _, err := os.Stat(ix.cfg.InitialLogPath); err == nil {
		return
	}

	ix.logger.Warn().Str("path", ix.cfg.InitialLogPath).Msg("Logging initial indexing data")
	file, err := os.Create(ix.cfg.InitialLogPath)
	if err != nil {
		ix.logger.Error().Err(err).Msg("Failed to create initial indexing log")
		return
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	count := 0
	for _, info := range infos {
		line, err := json.Marshal(info)
		if err != nil {
			ix.logger.Error().Err(err).Str("uuid", string(info.UID)).Msg("Failed to encode update info")
			continue
		}
		writer.Write(line)
		writer.WriteByte('\n')
		count++
	}
	if err := writer.Flush(); err != nil {
		ix.logger.Error().Err(err).Msg("Failed to flush initial indexing log")
		return
	}
	ix.logger.Warn().Int("uuids", count).Msg("Logged update records, one per line")
}
