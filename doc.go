// Package lakecommit runs the commit coordinator of a table sink: writers
// stream files into object storage and report them on a control topic, and
// the coordinator turns those reports into atomic, exactly-once table
// snapshots.
//
// # Running a coordinator
//
//	cfg := lakecommit.Config{
//	    Store:          "s3://minio:9000/lake?insecure=1&path-style=1",
//	    Channel:        lakecommit.ChannelKafka,
//	    Brokers:        []string{"kafka:9092"},
//	    ControlTopic:   "control-iceberg",
//	    ControlGroupID: "cg-control-iceberg",
//	    Topics:         []string{"orders", "payments"},
//	}
//	srv, err := lakecommit.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	defer srv.Close()
//	if err := srv.Run(ctx); err != nil { log.Fatal(err) }
//
// # Commit cycles
//
// Every CommitInterval the coordinator broadcasts a COMMIT_REQUEST carrying a
// fresh commit id. Writers answer with one COMMIT_RESPONSE per table they
// wrote to and a COMMIT_READY listing the partitions they own. Once the
// readiness records cover every partition of the quorum topics, or once
// CommitTimeout has passed, the responses of the cycle are grouped per table
// and committed in parallel. Each snapshot records the control topic
// position under kafka.connect.control.offsets.<control topic>; responses
// below that position are dropped on replay. The coordinator commits its own
// consumer offsets only after every table committed.
//
// # Stores
//
// Store URLs select the backend: mem://, disk:///path, s3://host/bucket/prefix
// (minio-go), aws://bucket/prefix (AWS SDK) and azure://account/container.
// Tables live under the Warehouse namespace of that store. The objlog channel
// keeps the control topic in the same store, which is handy for tests and
// single-node deployments.
package lakecommit
