// Package flags holds the flags shared by several commands.
package flags

import (
	"github.com/spf13/pflag"
	"github.com/thediveo/enumflag/v2"

	"github.com/propack/propack/internal/logging"
)

const defaultConfigFile = "propack.yaml"

func AddConfig(fs *pflag.FlagSet, files *[]string) {
	fs.StringSliceVarP(files, "config", "c", []string{defaultConfigFile}, "Path to the project file or directory of project files (repeatable)")
}

func AddLogging(fs *pflag.FlagSet, cfg *logging.Config) {
	fs.Var(enumflag.New(&cfg.Level, "level", logging.LevelNames, enumflag.EnumCaseInsensitive), "log-level", "Log level (debug|info|warn|error)")
	fs.Var(enumflag.New(&cfg.Format, "format", logging.FormatNames, enumflag.EnumCaseInsensitive), "log-format", "Log format (console|json)")
}

func AddCacheDir(fs *pflag.FlagSet, dir *string) {
	fs.StringVar(dir, "cache-dir", "", "Cache directory (defaults to the one of the project file)")
}
