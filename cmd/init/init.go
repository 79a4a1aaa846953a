// Command init applies the settlement schema and opens the TigerBeetle
// accounts the ledger sink posts to.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/reggieyam998/ctf-exchange/internal/config"
	"github.com/reggieyam998/ctf-exchange/internal/logging"
	"github.com/reggieyam998/ctf-exchange/internal/repository/ledger"
	orderRepository "github.com/reggieyam998/ctf-exchange/internal/repository/order"
	"github.com/reggieyam998/ctf-exchange/pkg/util"
	_ "github.com/lib/pq"

	tb "github.com/tigerbeetle/tigerbeetle-go"
	tbTypes "github.com/tigerbeetle/tigerbeetle-go/pkg/types"
)

func main() {
	owners := flag.String("owners", "", "comma separated trader account numbers to open on every ledger")
	flag.Parse()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("info", false)
		bootLogger.Fatal().Err(err).Msg("loading config")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogPretty)

	ownerIDs, err := parseOwners(*owners)
	if err != nil {
		logger.Fatal().Err(err).Msg("parsing -owners")
	}

	if cfg.DatabaseURL != "" {
		db, err := sqlx.Connect("postgres", cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("error connecting postgres")
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(rootCtx, 30*time.Second)
		defer cancel()
		if _, err := db.ExecContext(ctx, orderRepository.Schema); err != nil {
			logger.Fatal().Err(err).Msg("applying schema")
		}
		logger.Info().Msg("settlement schema applied")
	}

	if cfg.TBAddress == "" {
		logger.Info().Msg("TB_ADDRESS not set, skipping ledger accounts")
		return
	}
	client, err := tb.NewClient(tbTypes.ToUint128(cfg.TBClusterID), []string{cfg.TBAddress})
	if err != nil {
		logger.Fatal().Err(err).Msg("error connecting tigerbeetle")
	}
	defer client.Close()

	assetLedgers := make(map[string]uint32, len(cfg.Instruments))
	for _, inst := range cfg.Instruments {
		assetLedgers[inst.Symbol] = inst.AssetLedger
	}
	accounts := ledger.Accounts(cfg.TBCashLedger, cfg.TBFeeAccount, assetLedgers, ownerIDs)

	errList, err := client.CreateAccounts(accounts)
	if err != nil {
		logger.Fatal().Err(err).Msg("error creating accounts")
	}
	failed := 0
	for _, accountError := range errList {
		if accountError.Result == tbTypes.AccountExists {
			continue
		}
		failed++
		l, owner := util.SplitAccountID(accounts[accountError.Index].ID)
		logger.Error().
			Uint32("ledger", l).
			Uint64("owner", owner).
			Str("result", fmt.Sprint(accountError.Result)).
			Msg("account not created")
	}
	if failed > 0 {
		logger.Fatal().Int("failed", failed).Msg("error creating accounts")
	}

	queryResult, err := client.QueryAccounts(tbTypes.QueryFilter{
		Code:  ledger.AccountCode,
		Limit: 1000,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("error fetching accounts")
	}
	logger.Info().Int("requested", len(accounts)).Int("existing", len(queryResult)).Msg("ledger accounts ready")
}

func parseOwners(s string) ([]uint64, error) {
	var out []uint64
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part == "" {
			continue
		}
		id, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}
