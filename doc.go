// Package modelcache downloads optional model assets on demand, keeps them in
// a local key-addressed blob store, and maintains an "active" selection that
// always refers to an asset present on disk.
//
// The package serves two primary use cases:
//
//  1. Programmatic API via the Cache interface - Applications use NewCache to
//     obtain a cache session that lists catalog entries annotated with local
//     presence, downloads and deletes assets, and reads or changes the active
//     selection.
//
//  2. Embeddable CLI via NewCommand - Parent CLI tools can attach a complete
//     "models" subcommand tree to their Cobra root command, providing commands
//     like "mytool models pull", "mytool models use", etc.
//
// # Thread Safety
//
// The Cache interface is safe for concurrent use. At most one download runs
// at a time; a second request made while one is in flight fails immediately
// with ErrConcurrencyRejected rather than queueing.
//
// # Selection
//
// The active selection is reconciled after every change to the set of stored
// assets. If the active asset is deleted, the first stored asset in catalog
// order becomes active (or the selection is cleared when nothing is stored)
// before Delete returns.
//
// # Storage
//
// Assets are stored in platform-appropriate directories:
//   - Linux: $XDG_DATA_HOME/<app>/modelcache/ or ~/.local/share/<app>/modelcache/
//   - macOS: ~/Library/Application Support/<app>/modelcache/
//   - Windows: %APPDATA%\<app>\modelcache\
//
// The storage location can be overridden via Config.DataDir or the
// <APPNAME>_MODELCACHE_DIR environment variable. Two backends are available:
// a badger database (the default) and a plain directory of record files.
package modelcache
