// Package serviceconfig provides the configuration registry and the client
// binding table.
//
// # Registry
//
// MemoryRegistry assigns a UUID to every configuration on Create and keeps it
// for life. Update is a full overwrite; for an unknown ID it inserts (upsert)
// unless StrictUpdate is set, in which case it fails with NOT_FOUND.
//
//	reg := serviceconfig.NewMemoryRegistry(serviceconfig.MemoryConfig{})
//	cfg, _ := reg.Create(serviceconfig.ServiceConfig{Name: "widget-1.0"})
//	cfg.Name = "widget-1.1"
//	reg.Update(*cfg)
//
// # Bindings
//
// BindingTable records which configuration each client runs:
//
//	table := serviceconfig.NewBindingTable(reg, logger)
//	table.Bind("client-1", newConfig)      // create + bind
//	cfg, ok := table.Resolve("client-1")   // what do I run?
//
// Bindings are weak: deleting a configuration leaves bindings pointing at it.
// Resolve treats those as absent; Lookup reports STALE_BINDING.
//
// # Search
//
// With a SearchIndex configured, the registry keeps a bleve index in sync and
// Search matches names, artifact IDs, group IDs and versions.
package serviceconfig
