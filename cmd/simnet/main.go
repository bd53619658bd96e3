package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/paychannel/simnet/pkg/log"
	"github.com/paychannel/simnet/pkg/sigreg"
	"github.com/paychannel/simnet/simnet/config"
	"github.com/paychannel/simnet/simnet/ledger"
	"github.com/paychannel/simnet/simnet/metrics"
	"github.com/paychannel/simnet/simnet/network"
	"github.com/paychannel/simnet/simnet/party"
	"github.com/paychannel/simnet/simnet/store"
	storedb "github.com/paychannel/simnet/simnet/store/leveldb"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ed25519"
	"gopkg.in/natefinch/lumberjack.v2"
)

var ConfigPath = flag.String("config", "./simnet-config.json", "config file path, created with defaults if missing")
var Debug = flag.Bool("debug", false, "debug logs")
var Seed = flag.Int64("seed", -1, "scheduler seed, overrides config when >= 0")
var Steps = flag.Int("steps", 0, "max adversary moves per phase, overrides config when > 0")
var SchedulerName = flag.String("scheduler", "fifo", "message scheduler: fifo or random")
var LogFile = flag.String("log-file", "./simnet.log", "rotating log file path")

const (
	partyA = sigreg.Signer("alice")
	partyB = sigreg.Signer("bob")
)

func main() {
	flag.Parse()

	lw := zerolog.MultiLevelWriter(zerolog.NewConsoleWriter(), &lumberjack.Logger{
		Filename:   *LogFile,
		MaxSize:    32,
		MaxBackups: 3,
	})
	logger := zerolog.New(lw).With().Timestamp().Logger().Level(zerolog.InfoLevel)
	if *Debug {
		logger = logger.Level(zerolog.DebugLevel)
	}
	log.SetLogger(logger)

	cfg, err := config.LoadConfig(*ConfigPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
		return
	}
	if *Seed >= 0 {
		cfg.RandomSeed = *Seed
	}
	if *Steps > 0 {
		cfg.MaxSteps = *Steps
	}

	metrics.RegisterMetrics()
	if cfg.MetricsListenAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsListenAddr, mux); err != nil {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
		log.Info().Str("addr", cfg.MetricsListenAddr).Msg("serving metrics")
	}

	// deterministic identity keys, logged so runs can be correlated
	for _, id := range []sigreg.Signer{partyA, partyB} {
		seed := sha256.Sum256([]byte(id))
		key := ed25519.NewKeyFromSeed(seed[:])
		log.Info().Str("party", string(id)).
			Str("pub_key", hex.EncodeToString(key.Public().(ed25519.PublicKey))).
			Msg("party identity")
	}

	db, isNew, err := storedb.NewDB(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open db")
		return
	}
	defer db.Close()
	if isNew {
		log.Info().Str("path", cfg.DBPath).Msg("created run database")
	}

	if err := runScenario(cfg, db, logger); err != nil {
		log.Fatal().Err(err).Msg("scenario failed")
	}
}

// runScenario drives the reference lifecycle: open a channel funded by one
// side, pay in both directions, then force a unilateral close and let the
// timelock settle everything on chain.
func runScenario(cfg *config.Config, db *storedb.DB, logger zerolog.Logger) error {
	ctx := context.Background()

	reg := sigreg.NewRegistry()
	chain := ledger.NewLedger(cfg.ChainTimelock, []ledger.GenesisAccount{
		{Owner: partyA, Amount: ledger.Coins(cfg.Scenario.PartyABalance)},
		{Owner: partyB, Amount: ledger.Coins(cfg.Scenario.PartyBBalance)},
	})
	a := party.NewParty(partyA, partyB, reg, logger)
	b := party.NewParty(partyB, partyA, reg, logger)
	sim := network.NewSimulator(network.Config{MaxDelay: cfg.NetworkMaxDelay}, chain, reg, a, b, logger)

	run := &store.RunRecord{
		ID:        uuid.New(),
		Scheduler: *SchedulerName,
		Seed:      cfg.RandomSeed,
		StartedAt: time.Now().UTC(),
	}
	if err := db.CreateRun(ctx, run); err != nil {
		return err
	}
	log.Info().Str("run", run.ID.String()).Str("scheduler", run.Scheduler).Msg("starting run")

	phase := int64(0)
	drain := func() error {
		phase++
		var sched network.Scheduler
		switch *SchedulerName {
		case "random":
			sched = network.NewRandomScheduler(cfg.RandomSeed + phase)
		default:
			sched = network.NewFIFOScheduler()
		}
		return sim.Run(ctx, sched, cfg.MaxSteps)
	}

	// arming the acceptor queues nothing, no drain needed
	if err := sim.InjectCommand(&party.Command{AcceptChannel: &party.AcceptChannelCommand{}}, partyB); err != nil {
		return err
	}

	steps := []struct {
		to  sigreg.Signer
		cmd *party.Command
	}{
		{partyA, &party.Command{OpenChannel: &party.OpenChannelCommand{
			Amount:        ledger.Coins(cfg.Scenario.ChannelAmount),
			TotalFunds:    ledger.Coins(cfg.Scenario.PartyABalance),
			SourceAccount: 1,
		}}},
		{partyA, &party.Command{TransferOnChannel: &party.TransferOnChannelCommand{Amount: ledger.Coins(cfg.Scenario.FirstPayment)}}},
		{partyB, &party.Command{TransferOnChannel: &party.TransferOnChannelCommand{Amount: ledger.Coins(cfg.Scenario.SecondPayment)}}},
		{partyA, &party.Command{CloseNow: &party.CloseNowCommand{}}},
	}
	for _, s := range steps {
		if err := sim.InjectCommand(s.cmd, s.to); err != nil {
			return err
		}
		if err := drain(); err != nil {
			return err
		}
	}

	snap := chain.Snapshot()
	for _, id := range []sigreg.Signer{partyA, partyB} {
		log.Info().Str("party", string(id)).
			Uint64("balance", uint64(snap.BalanceOf(id))).
			Msg("final on-chain balance")
	}

	for seq, tr := range sim.Transfers() {
		err := db.AddTransfer(ctx, run.ID, &store.TransferRecord{
			Seq:       seq,
			Recipient: string(tr.Recipient),
			Amount:    uint64(tr.Amount),
			At:        tr.At,
		})
		if err != nil {
			return err
		}
	}

	var accounts []store.AccountRecord
	for _, acc := range snap.Accounts() {
		if acc.PublicKey == nil {
			continue
		}
		accounts = append(accounts, store.AccountRecord{
			ID:     uint64(acc.ID),
			Owner:  string(acc.PublicKey.Owner),
			Amount: uint64(acc.PublicKey.Amount),
		})
	}
	if err := db.SetSnapshot(ctx, run.ID, accounts); err != nil {
		return err
	}

	run.Steps = len(steps)
	run.FinalClock = sim.Now()
	run.FinishedAt = time.Now().UTC()
	if err := db.UpdateRun(ctx, run); err != nil {
		return err
	}

	log.Info().Str("run", run.ID.String()).Uint64("clock", sim.Now()).Msg("run recorded")
	return nil
}
