// Command indexctl inspects and maintains an assetindex database.
//
// Read commands (stats, jobs, audit, verify) can run while the daemon is
// up. Commands that queue work (rehash, jobs retry) write to the database
// and the daemon picks the jobs up on its next poll. gc refuses to run
// while the daemon holds the instance lock.
//
// Usage:
//
//	indexctl stats
//	indexctl jobs dead --limit 20
//	indexctl jobs retry 42
//	indexctl audit --subject /data/photos/a.jpg
//	indexctl audit --follow
//	indexctl rehash 17
//	indexctl verify /data
//	indexctl gc --older-than 720h --recount
package main
