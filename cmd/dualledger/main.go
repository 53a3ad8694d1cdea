package main

import (
	"DualLedger/internal/access"
	"DualLedger/internal/config"
	"DualLedger/internal/core"
	"DualLedger/internal/event"
	"DualLedger/internal/ingestion"
	"DualLedger/internal/ledger"
	"DualLedger/internal/observability"
	"DualLedger/internal/persistence"
	"DualLedger/internal/projection"
	"DualLedger/internal/query"
	"DualLedger/internal/server"
	"bytes"
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("INFO: DualLedger starting...")

	// The core allocates envelopes and journals at a high rate during
	// bursts. A raised GOGC trades heap headroom for fewer pauses.
	if os.Getenv("GOGC") == "" {
		log.Println("WARN: GOGC not set, recommend GOGC=400 for production")
	}

	configPath := flag.String("config", "", "path to TOML config file (DUAL_* env vars override)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("FATAL: load config: %v", err)
	}

	logLevel, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		logLevel = zerolog.InfoLevel
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		log.Fatalf("FATAL: postgres open: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime.Duration)

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("FATAL: postgres ping: %v", err)
	}
	log.Println("INFO: Postgres connected")

	// --- Run SQL migrations ---
	migrator := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir)
	if err := migrator.Up(ctx); err != nil {
		log.Fatalf("FATAL: run migrations: %v", err)
	}
	log.Println("INFO: migrations applied")

	snapMgr := persistence.NewSnapshotManager(db)

	// --- Recovery: load snapshot + replay ---
	startSequence := int64(0)

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		// A broken snapshot row is recoverable: cold replay from the
		// event log rebuilds the same state, just slower.
		log.Printf("WARN: failed to load snapshot, falling back to cold replay: %v", err)
		snap = nil
	}
	if snap != nil {
		startSequence = snap.Sequence + 1
		log.Printf("INFO: loaded snapshot at sequence %d", snap.Sequence)
	} else {
		log.Println("INFO: no snapshot found, cold start from sequence 0")
	}

	// --- Channels ---
	// The persist channel blocks (backpressure), the projection channel
	// drops. Command channels sit upstream of the single writer.
	persistCoreChan := make(chan core.CoreOutput, cfg.Engine.PersistChanSize)
	projectionCoreChan := make(chan core.CoreOutput, cfg.Engine.ProjectionChanSize)

	// Bridge channels for the workers (persistence and projection never
	// import the core).
	persistWorkerChan := make(chan persistence.CoreOutput, cfg.Engine.PersistChanSize)
	projectionWorkerChan := make(chan projection.ProjectionOutput, cfg.Engine.ProjectionChanSize)

	publishChan := make(chan ingestion.PublishableEvent, cfg.Engine.PublishChanSize)
	hubChan := make(chan ingestion.PublishableEvent, cfg.Engine.PublishChanSize)

	rawCommandChan := make(chan ingestion.RawCommand, cfg.Engine.CommandChanSize)
	commandChan := make(chan ingestion.TimedCommand, cfg.Engine.CommandChanSize)

	// --- Postgres idempotency checker ---
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Deterministic Core ---
	deterministicCore := core.NewDeterministicCore(
		startSequence,
		common.HexToAddress(cfg.Engine.Authority),
		int64(cfg.Engine.GovernanceDelay.Duration.Seconds()),
		cfg.Engine.DedupLRUCapacity,
		persistCoreChan,
		projectionCoreChan,
		dbChecker,
		metrics,
	)

	// --- Snapshot Restore ---
	if snap != nil {
		restoreStateFromSnapshot(deterministicCore, snap)
	}

	// --- LRU Warming ---
	if snap != nil && len(snap.IdempotencyKeys) > 0 {
		log.Printf("INFO: warming dedup LRU with %d keys from snapshot", len(snap.IdempotencyKeys))
		deterministicCore.WarmLRU(snap.IdempotencyKeys)
	}

	// --- Command Replay ---
	replayStart := time.Now()
	replayCount, lastLogHash, err := replayEventsFromLog(ctx, snapMgr, deterministicCore, startSequence, metrics)
	if err != nil {
		log.Fatalf("FATAL: event log replay failed: %v", err)
	}
	if replayCount > 0 {
		metrics.ReplayDuration.Set(time.Since(replayStart).Seconds())
		log.Printf("INFO: replayed %d commands in %s (sequence now at %d)",
			replayCount, time.Since(replayStart).Round(time.Millisecond), deterministicCore.GetSequence())
	}

	// --- State Hash Verification ---
	// After replay the rebuilt hash must match the log head; after a
	// bare restore it must match the snapshot.
	coreHash := deterministicCore.GetStateHash()
	switch {
	case replayCount > 0:
		if !bytes.Equal(coreHash[:], lastLogHash) {
			log.Fatalf("FATAL: state hash mismatch after replay: log=%x rebuilt=%x", lastLogHash, coreHash)
		}
		log.Println("INFO: state hash verified against event log head")
	case snap != nil:
		if !bytes.Equal(coreHash[:], snap.StateHash) {
			log.Fatalf("FATAL: state hash mismatch after restore: snapshot=%x restored=%x", snap.StateHash, coreHash)
		}
		log.Println("INFO: state hash verified after snapshot restore")
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL)
	if err != nil {
		log.Fatalf("FATAL: nats connect: %v", err)
	}
	defer nc.Close()
	log.Println("INFO: NATS connected")

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		log.Fatalf("FATAL: ensure NATS streams: %v", err)
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		log.Fatalf("FATAL: ensure outbound stream: %v", err)
	}

	natsSubscriber := ingestion.NewNATSSubscriber(js, rawCommandChan)
	if err := natsSubscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		log.Fatalf("FATAL: nats subscribe: %v", err)
	}

	// --- Ingestion surfaces ---
	verifier := ingestion.NewVerifier(cfg.Engine.RequireSignatures)
	gateway := ingestion.NewCommandGateway(commandChan, verifier)

	// --- Snapshot archiver (optional) ---
	var archiver *persistence.SnapshotArchiver
	if cfg.Archive.Enabled {
		archiver, err = persistence.NewSnapshotArchiver(ctx, persistence.ArchiveConfig{
			Endpoint:       cfg.Archive.Endpoint,
			Region:         cfg.Archive.Region,
			Bucket:         cfg.Archive.Bucket,
			AccessKey:      cfg.Archive.AccessKey,
			SecretKey:      cfg.Archive.SecretKey,
			ForcePathStyle: cfg.Archive.ForcePathStyle,
		})
		if err != nil {
			log.Printf("WARN: snapshot archiver disabled: %v", err)
			archiver = nil
		} else if err := archiver.Health(ctx); err != nil {
			log.Printf("WARN: snapshot archive bucket unreachable: %v", err)
		} else {
			log.Printf("INFO: snapshot archive enabled (bucket=%s)", cfg.Archive.Bucket)
		}
	}

	// --- Outbound publisher ---
	outboundPublisher := ingestion.NewOutboundPublisher(js, publishChan)

	// --- Services ---
	queryService := query.NewQueryService(db)
	hub := server.NewHub(hubChan, metrics, observability.NewLoggerWithLevel("ws_hub", logLevel))

	httpServer := server.NewHTTPServer(cfg.Server.HTTPAddr, &server.ServerDeps{
		DB:            db,
		QueryService:  queryService,
		SnapshotMgr:   snapMgr,
		Gateway:       gateway,
		Hub:           hub,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Logger:        observability.NewLoggerWithLevel("http", logLevel),
		APIToken:      cfg.Server.APIToken,
		StartTime:     time.Now(),
	})

	// --- Start goroutines ---
	errChan := make(chan error, 10)

	// 1. Persistence worker
	persistWorker := persistence.NewPersistenceWorker(db, persistWorkerChan,
		cfg.Persistence.BatchSize, cfg.Persistence.FlushTimeout.Duration, metrics)
	go func() {
		errChan <- persistWorker.Run(ctx)
	}()

	// 2. Projection worker
	projWorker := projection.NewProjectionWorker(db, projectionWorkerChan, metrics)
	go func() {
		errChan <- projWorker.Run(ctx)
	}()

	// 3. Outbound publisher
	go func() {
		errChan <- outboundPublisher.Run(ctx)
	}()

	// 4. Core output bridge: core.CoreOutput into worker row shapes plus
	// the outbound fan-out.
	go func() {
		bridgeCoreOutputs(ctx, persistCoreChan, projectionCoreChan,
			persistWorkerChan, projectionWorkerChan, publishChan, hubChan, metrics)
	}()

	// 5. NATS decode loop: raw messages into typed commands.
	go func() {
		runNATSDecodeLoop(ctx, rawCommandChan, commandChan, verifier, metrics)
	}()

	// 6. Command apply loop: the single writer. Periodic snapshots run
	// inline here so nothing else reads core state while it mutates.
	commandLoopDone := make(chan struct{})
	go func() {
		defer close(commandLoopDone)
		runCommandLoop(ctx, commandChan, deterministicCore, snapMgr, archiver, cfg.Snapshot.Interval, metrics)
	}()

	// 7. WebSocket hub
	go func() {
		errChan <- hub.Run(ctx)
	}()

	// 8. HTTP API server
	go func() {
		errChan <- httpServer.Start(ctx)
	}()

	// 9. Channel depth monitor
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.SetChannelMetrics("raw_commands", len(rawCommandChan), cap(rawCommandChan))
				metrics.SetChannelMetrics("commands", len(commandChan), cap(commandChan))
				metrics.SetChannelMetrics("persist_core", len(persistCoreChan), cap(persistCoreChan))
				metrics.SetChannelMetrics("projection_core", len(projectionCoreChan), cap(projectionCoreChan))
				metrics.SetChannelMetrics("persist_worker", len(persistWorkerChan), cap(persistWorkerChan))
				metrics.SetChannelMetrics("projection_worker", len(projectionWorkerChan), cap(projectionWorkerChan))
				metrics.SetChannelMetrics("publish", len(publishChan), cap(publishChan))
				metrics.SetChannelMetrics("ws_events", len(hubChan), cap(hubChan))
			}
		}
	}()

	// 10. Prometheus metrics server
	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:    cfg.Server.MetricsAddr,
			Handler: metricsMux,
		}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		log.Printf("INFO: metrics server listening on %s/metrics", cfg.Server.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	// Mark service as ready after all goroutines started
	healthChecker.SetReady(true)

	log.Printf("INFO: DualLedger ready (sequence=%d, http=%s, metrics=%s)",
		deterministicCore.GetSequence(), cfg.Server.HTTPAddr, cfg.Server.MetricsAddr)

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		log.Printf("INFO: received signal %s, shutting down...", sig)
	case err := <-errChan:
		log.Printf("ERROR: goroutine failed: %v, shutting down...", err)
	}

	// --- Graceful shutdown ---
	healthChecker.SetReady(false)
	cancel()

	natsSubscriber.Stop()

	// The final snapshot reads core state, so the command loop must be
	// out of its in-flight command first.
	select {
	case <-commandLoopDone:
	case <-time.After(10 * time.Second):
		log.Println("WARN: command loop did not stop in time")
	}

	// Give workers time to flush
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	close(persistWorkerChan)
	close(projectionWorkerChan)
	close(publishChan)
	close(hubChan)

	if err := takeSnapshot(shutdownCtx, deterministicCore, snapMgr, archiver, metrics); err != nil {
		log.Printf("ERROR: final snapshot failed: %v", err)
	} else {
		log.Println("INFO: final snapshot saved")
	}

	log.Println("INFO: DualLedger shutdown complete")
}

// bridgeCoreOutputs converts core.CoreOutput into the row shapes the
// persistence and projection workers consume, and fans applied records
// out to the outbound publisher and the WebSocket hub. The conversion
// lives here so those packages never import the core.
func bridgeCoreOutputs(
	ctx context.Context,
	persistIn <-chan core.CoreOutput,
	projectionIn <-chan core.CoreOutput,
	persistOut chan<- persistence.CoreOutput,
	projectionOut chan<- projection.ProjectionOutput,
	publishOut chan<- ingestion.PublishableEvent,
	hubOut chan<- ingestion.PublishableEvent,
	metrics *observability.Metrics,
) {
	for {
		select {
		case <-ctx.Done():
			return

		case output, ok := <-persistIn:
			if !ok {
				return
			}

			// The stored payload is the command wire form; startup
			// replay parses it back through the ingestion path. The row
			// is written even if encoding fails: a gap would break the
			// hash chain, a nil payload fails loudly at replay.
			payload, err := ingestion.EncodeCommand(output.Command)
			if err != nil {
				log.Printf("ERROR: encode command for event log failed (seq=%d): %v",
					output.Envelope.Sequence, err)
			}

			var dualID *string
			if output.Envelope.DualID != nil {
				s := output.Envelope.DualID.Hex()
				dualID = &s
			}

			pOutput := persistence.CoreOutput{
				EventRow: persistence.EventRow{
					Sequence:       output.Envelope.Sequence,
					CommandType:    output.Envelope.CommandType.String(),
					CommandID:      output.Envelope.CommandID,
					ChainID:        output.Envelope.ChainID,
					DualID:         dualID,
					Payload:        payload,
					StateHash:      output.Envelope.StateHash[:],
					PrevHash:       output.Envelope.PrevHash[:],
					Timestamp:      output.Envelope.Timestamp,
					SourceSequence: output.Envelope.SourceSequence,
				},
			}

			if output.Batch != nil {
				for _, j := range output.Batch.Journals {
					pOutput.JournalRows = append(pOutput.JournalRows, persistence.JournalRow{
						JournalID:     j.JournalID.String(),
						BatchID:       j.BatchID.String(),
						CommandRef:    j.CommandRef,
						Sequence:      j.Sequence,
						DebitAccount:  j.DebitAccount.AccountPath(),
						CreditAccount: j.CreditAccount.AccountPath(),
						ChainID:       j.ChainID,
						Token:         j.Token.Hex(),
						Amount:        j.Amount.String(),
						JournalType:   int32(j.JournalType),
						Timestamp:     j.Timestamp,
					})
				}
			}

			persistOut <- pOutput

			// Fan each record out to NATS and WebSocket subscribers.
			// Both are best-effort; the event log is the source of truth.
			for _, pub := range publishableRecords(output.Envelope) {
				select {
				case publishOut <- pub:
				default:
					metrics.PublishDrops.Inc()
				}
				select {
				case hubOut <- pub:
				default:
				}
			}

		case output, ok := <-projectionIn:
			if !ok {
				return
			}

			pOutput := projection.ProjectionOutput{
				Sequence:    output.Envelope.Sequence,
				CommandType: output.Envelope.CommandType.String(),
				CommandID:   output.Envelope.CommandID,
				ChainID:     output.Envelope.ChainID,
				Records:     output.Envelope.Records,
				Timestamp:   output.Envelope.Timestamp.Unix(),
			}

			if output.Batch != nil {
				for _, j := range output.Batch.Journals {
					pOutput.Journals = append(pOutput.Journals, projection.JournalEntry{
						DebitAccount:  j.DebitAccount.AccountPath(),
						CreditAccount: j.CreditAccount.AccountPath(),
						ChainID:       j.ChainID,
						Token:         j.Token.Hex(),
						Amount:        j.Amount.String(),
						JournalType:   int32(j.JournalType),
					})
				}
			}

			select {
			case projectionOut <- pOutput:
			default:
				// Dropped on full; startup replay rebuilds projections.
				metrics.ProjectionDrops.Inc()
			}
		}
	}
}

// publishableRecords expands an envelope into one outbound event per
// record. The chain id comes from the record, not the envelope: a
// cross-chain rollover books the successor under its own chain.
func publishableRecords(env *event.Envelope) []ingestion.PublishableEvent {
	out := make([]ingestion.PublishableEvent, 0, len(env.Records))
	for _, r := range env.Records {
		pub := ingestion.PublishableEvent{
			Sequence:   env.Sequence,
			RecordType: string(r.RecordType()),
			CommandID:  env.CommandID,
			ChainID:    env.ChainID,
			Payload:    r,
			StateHash:  env.StateHash[:],
			Timestamp:  env.Timestamp,
		}
		switch rec := r.(type) {
		case *event.DualCreated:
			id := rec.DualID.Hex()
			pub.DualID = &id
			pub.ChainID = rec.ChainID
		case *event.DualClaimed:
			id := rec.DualID.Hex()
			pub.DualID = &id
			pub.ChainID = rec.ChainID
		case *event.DualReplayed:
			id := rec.DualID.Hex()
			pub.DualID = &id
			pub.ChainID = rec.ChainID
		}
		out = append(out, pub)
	}
	return out
}

// runNATSDecodeLoop unwraps, verifies and parses raw NATS messages and
// forwards typed commands to the shared command channel. Messages are
// acked after the channel send, not after core processing: backpressure
// propagates through the blocking send and AckWait never expires while
// the core is busy.
func runNATSDecodeLoop(
	ctx context.Context,
	rawChan <-chan ingestion.RawCommand,
	commandChan chan<- ingestion.TimedCommand,
	verifier *ingestion.Verifier,
	metrics *observability.Metrics,
) {
	// Subject-prefix lookup built from the subscription config.
	// Subjects end in ".>"; matching strips the wildcard and compares
	// prefixes.
	subjectToType := make(map[string]string)
	for _, sc := range ingestion.DefaultSubjects() {
		prefix := sc.Subject
		if len(prefix) > 2 && prefix[len(prefix)-2:] == ".>" {
			prefix = prefix[:len(prefix)-2]
		}
		subjectToType[prefix] = sc.CommandType
	}

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-rawChan:
			if !ok {
				return
			}

			prefix, commandType := resolveCommandType(raw.Subject, subjectToType)
			if commandType == "" {
				log.Printf("WARN: unknown NATS subject: %s", raw.Subject)
				metrics.IngestRejected.WithLabelValues("unknown_subject").Inc()
				raw.AckFunc() // acked to avoid a redelivery loop
				continue
			}

			// Counted by matched prefix: raw subjects carry arbitrary
			// suffixes and would blow up label cardinality.
			metrics.IngestCommands.WithLabelValues(prefix).Inc()

			payload, signer, err := verifier.Unwrap(raw.Data)
			if err != nil {
				log.Printf("WARN: reject command (subject=%s): %v", raw.Subject, err)
				metrics.IngestRejected.WithLabelValues("signature").Inc()
				raw.AckFunc()
				continue
			}

			cmd, err := ingestion.ParseRawCommand(ingestion.RawCommand{Data: payload, Timestamp: raw.Timestamp}, commandType)
			if err != nil {
				log.Printf("WARN: parse command failed (subject=%s): %v", raw.Subject, err)
				metrics.IngestRejected.WithLabelValues("parse").Inc()
				raw.AckFunc()
				continue
			}

			if signer != nil && *signer != cmd.Caller() {
				log.Printf("WARN: signer mismatch (subject=%s, command=%s)", raw.Subject, cmd.CommandID())
				metrics.IngestRejected.WithLabelValues("signer_mismatch").Inc()
				raw.AckFunc()
				continue
			}

			select {
			case commandChan <- ingestion.TimedCommand{Command: cmd, ReceivedAt: raw.Timestamp}:
				raw.AckFunc() // ack AFTER successful channel send
			case <-ctx.Done():
				raw.NakFunc()
				return
			}
		}
	}
}

// resolveCommandType matches a NATS subject against the configured
// prefixes, longest match first. Returns the matched prefix and the
// command type, or empty strings when nothing matches.
func resolveCommandType(subject string, prefixMap map[string]string) (string, string) {
	bestPrefix := ""
	bestType := ""
	for prefix, cmdType := range prefixMap {
		if len(subject) >= len(prefix) && subject[:len(prefix)] == prefix {
			if len(prefix) > len(bestPrefix) {
				bestPrefix = prefix
				bestType = cmdType
			}
		}
	}
	return bestPrefix, bestType
}

// runCommandLoop is the single writer: every typed command, whether it
// arrived over NATS or the HTTP gateway, is applied here in order.
func runCommandLoop(
	ctx context.Context,
	commandChan <-chan ingestion.TimedCommand,
	deterministicCore *core.DeterministicCore,
	snapMgr *persistence.SnapshotManager,
	archiver *persistence.SnapshotArchiver,
	snapshotInterval int64,
	metrics *observability.Metrics,
) {
	lastSnapshotSeq := deterministicCore.GetSequence()

	for {
		select {
		case <-ctx.Done():
			return
		case tc, ok := <-commandChan:
			if !ok {
				return
			}

			cmd := tc.Command
			if err := deterministicCore.ProcessCommand(cmd); err != nil {
				// Message already acked; rejections are final and land
				// nowhere but the log and the rejection counters.
				log.Printf("ERROR: apply command failed (type=%s, id=%s): %v",
					cmd.CommandType(), cmd.CommandID(), err)
				continue
			}
			metrics.IngestToApply.WithLabelValues(cmd.CommandType().String()).
				Observe(time.Since(tc.ReceivedAt).Seconds())

			if seq := deterministicCore.GetSequence(); seq-lastSnapshotSeq >= snapshotInterval {
				if err := takeSnapshot(ctx, deterministicCore, snapMgr, archiver, metrics); err != nil {
					log.Printf("WARN: periodic snapshot failed: %v", err)
				} else {
					lastSnapshotSeq = seq
					log.Printf("INFO: periodic snapshot at sequence %d", seq)
				}
			}
		}
	}
}

// --- Snapshot Restore & Replay ---

// restoreStateFromSnapshot converts a persistence.SnapshotData into
// typed core state. Balances are signed: claim-side accounts run
// negative in the zero-sum books.
func restoreStateFromSnapshot(deterministicCore *core.DeterministicCore, snap *persistence.SnapshotData) {
	coreSnap := &core.SnapshotState{
		Sequence:      snap.Sequence,
		LiveIDs:       make([]common.Hash, 0, len(snap.LiveIDs)),
		Balances:      make(map[ledger.AccountKey]*big.Int, len(snap.Balances)),
		SequenceState: snap.SequenceState,
	}
	copy(coreSnap.StateHash[:], snap.StateHash)

	for _, id := range snap.LiveIDs {
		coreSnap.LiveIDs = append(coreSnap.LiveIDs, common.HexToHash(id))
	}

	for path, amount := range snap.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			log.Fatalf("FATAL: corrupt snapshot: bad account path %q: %v", path, err)
		}
		balance, ok := new(big.Int).SetString(amount, 10)
		if !ok {
			log.Fatalf("FATAL: corrupt snapshot: bad balance %q for account %s", amount, path)
		}
		coreSnap.Balances[key] = balance
	}

	coreSnap.Access = access.Snapshot{
		Authority: common.HexToAddress(snap.Authority),
		Pending:   common.HexToAddress(snap.PendingAuthority),
		PendingAt: snap.PendingAt,
	}
	for _, op := range snap.Operators {
		coreSnap.Access.Operators = append(coreSnap.Access.Operators, access.OperatorGrant{
			Operator:    common.HexToAddress(op.Operator),
			EffectiveAt: op.EffectiveAt,
		})
	}

	deterministicCore.RestoreFromSnapshot(coreSnap)
	log.Printf("INFO: restored in-memory state from snapshot at sequence %d", snap.Sequence)
}

// replayEventsFromLog feeds logged commands back through the core, from
// fromSequence to the log head. Rejected commands never reached the log
// but consumed source-sequence slots while live, so each partition is
// aligned to the stored source sequence before its command re-applies.
// Returns the replay count and the state hash of the last replayed row.
func replayEventsFromLog(
	ctx context.Context,
	snapMgr *persistence.SnapshotManager,
	deterministicCore *core.DeterministicCore,
	fromSequence int64,
	metrics *observability.Metrics,
) (int64, []byte, error) {
	const batchSize = 1000

	deterministicCore.BeginReplay()
	defer deterministicCore.EndReplay()

	var totalReplayed int64
	var lastHash []byte

	for {
		rows, err := snapMgr.LoadEventsFrom(ctx, fromSequence, batchSize)
		if err != nil {
			return totalReplayed, lastHash, fmt.Errorf("load events from seq %d: %w", fromSequence, err)
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			cmd, err := ingestion.ParseRawCommand(
				ingestion.RawCommand{Data: row.Payload, Timestamp: row.Timestamp}, row.CommandType)
			if err != nil {
				return totalReplayed, lastHash, fmt.Errorf("parse logged command at seq %d: %w", row.Sequence, err)
			}

			deterministicCore.AlignPartition(core.PartitionFor(cmd), cmd.SourceSequence())

			// Every logged command applied once, so it must apply
			// again. A failure here means the log and the code
			// disagree and the state hash cannot be trusted.
			if err := deterministicCore.ProcessCommand(cmd); err != nil {
				return totalReplayed, lastHash, fmt.Errorf("replay command at seq %d: %w", row.Sequence, err)
			}

			totalReplayed++
			lastHash = row.StateHash
			metrics.ReplayCommandsTotal.Inc()
		}

		fromSequence = rows[len(rows)-1].Sequence + 1
	}

	return totalReplayed, lastHash, nil
}

// --- Snapshot Helpers ---

// takeSnapshot captures core state, persists it, marks the stored row
// verified and optionally ships a copy to object storage.
func takeSnapshot(
	ctx context.Context,
	deterministicCore *core.DeterministicCore,
	snapMgr *persistence.SnapshotManager,
	archiver *persistence.SnapshotArchiver,
	metrics *observability.Metrics,
) error {
	start := time.Now()

	coreSnap := deterministicCore.CreateSnapshotState()
	if coreSnap.Sequence < 0 {
		return nil // nothing applied yet
	}

	snapData := &persistence.SnapshotData{
		Sequence:         coreSnap.Sequence,
		StateHash:        coreSnap.StateHash[:],
		LiveIDs:          make([]string, 0, len(coreSnap.LiveIDs)),
		Balances:         make(map[string]string, len(coreSnap.Balances)),
		Authority:        coreSnap.Access.Authority.Hex(),
		PendingAuthority: coreSnap.Access.Pending.Hex(),
		PendingAt:        coreSnap.Access.PendingAt,
		SequenceState:    coreSnap.SequenceState,
		IdempotencyKeys:  coreSnap.IdempotencyKeys,
		CreatedAt:        time.Now().UTC(),
	}

	for _, id := range coreSnap.LiveIDs {
		snapData.LiveIDs = append(snapData.LiveIDs, id.Hex())
	}
	for key, balance := range coreSnap.Balances {
		snapData.Balances[key.AccountPath()] = balance.String()
	}
	for _, grant := range coreSnap.Access.Operators {
		snapData.Operators = append(snapData.Operators, persistence.OperatorSnap{
			Operator:    grant.Operator.Hex(),
			EffectiveAt: grant.EffectiveAt,
		})
	}

	if err := snapMgr.SaveSnapshot(ctx, snapData); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if err := snapMgr.MarkVerified(ctx, snapData.Sequence); err != nil {
		return fmt.Errorf("mark snapshot verified: %w", err)
	}

	metrics.SnapshotTaken.Inc()
	metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	metrics.SnapshotSizeBytes.Set(float64(persistence.SnapshotSize(snapData)))
	metrics.SnapshotLastSeq.Set(float64(snapData.Sequence))

	if archiver != nil {
		if err := archiver.Archive(ctx, snapData); err != nil {
			// Postgres holds the authoritative copy; the archive is an
			// off-host spare.
			log.Printf("WARN: snapshot archive upload failed: %v", err)
		}
	}

	return nil
}
