package auction

import (
	"context"
	"database/sql"
	"encoding/json"
	"math/big"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type DBRound struct {
	AuctionID      string         `db:"auction_id"`
	StateBlock     int64          `db:"state_block"`
	OrderCount     int            `db:"order_count"`
	Orders         []byte         `db:"orders"`
	Outcome        string         `db:"outcome"`
	Winner         sql.NullString `db:"winner"`
	WinningScore   sql.NullString `db:"winning_score"`
	ReferenceScore sql.NullString `db:"reference_score"`
	SettlementID   sql.NullString `db:"settlement_id"`
	TxHash         []byte         `db:"tx_hash"`
	Nonce          sql.NullInt64  `db:"nonce"`
	Replacements   int            `db:"replacements"`
	StartedAt      time.Time      `db:"started_at"`
	FinishedAt     time.Time      `db:"finished_at"`
	InsertedAt     time.Time      `db:"inserted_at"`
}

var insertRoundQuery = `
INSERT INTO round (auction_id, state_block, order_count, orders, outcome, winner, winning_score, reference_score,
                   settlement_id, tx_hash, nonce, replacements, started_at, finished_at)
VALUES (:auction_id, :state_block, :order_count, :orders, :outcome, :winner, :winning_score, :reference_score,
        :settlement_id, :tx_hash, :nonce, :replacements, :started_at, :finished_at)
ON CONFLICT (auction_id) DO NOTHING`

type DBRoundSolver struct {
	AuctionID    string         `db:"auction_id"`
	Solver       string         `db:"solver"`
	Outcome      string         `db:"outcome"`
	SolutionHash []byte         `db:"solution_hash"`
	Ranking      sql.NullInt64  `db:"ranking"`
	Rejection    sql.NullString `db:"rejection"`
}

var insertRoundSolverQuery = `
INSERT INTO round_solver (auction_id, solver, outcome, solution_hash, ranking, rejection)
VALUES (:auction_id, :solver, :outcome, :solution_hash, :ranking, :rejection)
ON CONFLICT (auction_id, solver) DO NOTHING`

// DBBackend persists round history and solver attribution to postgres.
type DBBackend struct {
	db *sqlx.DB

	insertRound  *sqlx.NamedStmt
	insertSolver *sqlx.NamedStmt
}

func NewDBBackend(postgresDSN string) (*DBBackend, error) {
	db, err := sqlx.Connect("postgres", postgresDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(20)

	insertRound, err := db.PrepareNamed(insertRoundQuery)
	if err != nil {
		return nil, err
	}
	insertSolver, err := db.PrepareNamed(insertRoundSolverQuery)
	if err != nil {
		return nil, err
	}

	return &DBBackend{
		db:           db,
		insertRound:  insertRound,
		insertSolver: insertSolver,
	}, nil
}

// RecordRound writes the round and its per-solver rows in one transaction.
func (b *DBBackend) RecordRound(ctx context.Context, report *RoundReport) error {
	var dbRound DBRound
	dbRound.AuctionID = report.AuctionID
	dbRound.StateBlock = int64(report.StateBlock)
	dbRound.OrderCount = len(report.Orders)
	orders, err := json.Marshal(report.Orders)
	if err != nil {
		return err
	}
	dbRound.Orders = orders
	dbRound.Outcome = string(report.Outcome)
	dbRound.Winner = sql.NullString{String: report.Winner, Valid: report.Winner != ""}
	dbRound.WinningScore = nullBigInt(report.WinningScore)
	dbRound.ReferenceScore = nullBigInt(report.ReferenceScore)
	dbRound.SettlementID = sql.NullString{String: report.SettlementID, Valid: report.SettlementID != ""}
	dbRound.TxHash = report.TxHash.Bytes()
	dbRound.Nonce = sql.NullInt64{Int64: int64(report.Nonce), Valid: report.SettlementID != ""}
	dbRound.Replacements = report.Replacements
	dbRound.StartedAt = report.StartedAt
	dbRound.FinishedAt = report.FinishedAt

	dbTx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := dbTx.NamedStmtContext(ctx, b.insertRound).ExecContext(ctx, dbRound); err != nil {
		_ = dbTx.Rollback()
		return err
	}

	rejections := make(map[string]string, len(report.Rejections))
	for _, rej := range report.Rejections {
		rejections[rej.SolverID] = rej.Reason
	}
	for solver, outcome := range report.SolverOutcomes {
		row := DBRoundSolver{
			AuctionID: report.AuctionID,
			Solver:    solver,
			Outcome:   outcome,
		}
		if hash, ok := report.SolutionHashes[solver]; ok {
			row.SolutionHash = hash.Bytes()
		}
		if ranking, ok := report.Rankings[solver]; ok {
			row.Ranking = sql.NullInt64{Int64: int64(ranking), Valid: true}
		}
		if reason, ok := rejections[solver]; ok {
			row.Rejection = sql.NullString{String: reason, Valid: true}
		}
		if _, err := dbTx.NamedStmtContext(ctx, b.insertSolver).ExecContext(ctx, row); err != nil {
			_ = dbTx.Rollback()
			return err
		}
	}
	return dbTx.Commit()
}

func (b *DBBackend) Close() error {
	return b.db.Close()
}

func nullBigInt(i *big.Int) sql.NullString {
	if i == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: i.String(), Valid: true}
}
