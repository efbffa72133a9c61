// Package gtxd exposes the Go APIs behind a single-binary distributed
// transaction coordinator. Applications begin a global transaction, resource
// managers register branches that hold row locks, and the coordinator drives
// every branch through phase two to a commit or a rollback. Sessions are
// persisted so an interrupted coordinator resumes where it stopped.
//
// # Running a server
//
//	cfg := gtxd.Config{
//	    Listen:    ":8091",
//	    StoreMode: gtxd.StoreModeFile,
//	    FileDir:   "/var/lib/gtxd/sessionStore",
//	    Participants: map[string]string{
//	        "jdbc:mysql://orders": "http://orders-rm:8080",
//	        "*":                   "http://default-rm:8080",
//	    },
//	}
//	srv, err := gtxd.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("gtxd: %v", err)
//	    }
//	}()
//	defer srv.Close()
//
// Start reloads every persisted session before the listener opens, so a
// branch that reported phase-one success before a crash is still committed
// or rolled back afterwards.
//
// # Storage
//
// StoreMode selects where sessions live: "file" (default, one JSON document
// per transaction under FileDir), "memory", "s3" (any S3-compatible service
// through minio-go), "aws" (the AWS SDK with its default credential chain) or
// "azure". EncryptionKeyFile enables envelope encryption of every session
// document with kryptograf.
//
// # Background loops
//
// Four loops run while the server is up: async committing, retry
// committing, retry rollbacking and the timeout scanner. Their periods and
// the retry budgets are set through Config.
//
// # Observability
//
// OTLPEndpoint exports traces (grpc:// or http:// targets), MetricsListen
// serves Prometheus metrics, and PprofListen exposes net/http/pprof.
package gtxd
