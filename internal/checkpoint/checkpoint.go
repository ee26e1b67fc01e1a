// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.


// Package checkpoint keeps a sqlite ledger of sweep runs, so interrupted sweeps can
// resume without rebuilding their flat-field grids or redoing finished planes.
package checkpoint

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/mlnoga/falsecolor/internal/flatfield"
)

// schema.sql creates the run, grid and plane tables if missing.
//
//go:embed schema.sql
var schemaSQL string

// Processing status of a plane
type Status string

const (
	StatusDone   Status="done"
	StatusFailed Status="failed"
)

// Returned when no run or grid matches a query
var ErrNotFound=errors.New("checkpoint: not found")

// A sweep run as recorded in the ledger
type Run struct {
	ID         string
	Dataset    string
	Depth      int
	Settings   string
	StartedAt  time.Time
	FinishedAt time.Time // zero while unfinished
}

func (r *Run) Finished() bool { return !r.FinishedAt.IsZero() }

type Ledger struct {
	*sql.DB
}

// Opens or creates the ledger database at path
func Open(path string) (*Ledger, error) {
	db, err:=sql.Open("sqlite", path)
	if err!=nil {
		return nil, err
	}
	// plane workers write concurrently, sqlite wants a single writer
	db.SetMaxOpenConns(1)

	if _, err:=db.Exec(schemaSQL); err!=nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize checkpoint schema: %w", err)
	}
	return &Ledger{db}, nil
}

// Records a new run and returns its ID
func (l *Ledger) StartRun(dataset string, depth int, settings string) (string, error) {
	id:=uuid.NewString()
	_, err:=l.Exec(`INSERT INTO sweep_runs (run_id, dataset, depth, settings, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, dataset, depth, settings, time.Now().UnixNano())
	if err!=nil {
		return "", fmt.Errorf("failed to start run: %w", err)
	}
	return id, nil
}

// Marks a run as finished
func (l *Ledger) FinishRun(id string) error {
	res, err:=l.Exec(`UPDATE sweep_runs SET finished_at = ? WHERE run_id = ?`, time.Now().UnixNano(), id)
	if err!=nil {
		return fmt.Errorf("failed to finish run %s: %w", id, err)
	}
	if n, err:=res.RowsAffected(); err==nil && n==0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanRun(row *sql.Row) (*Run, error) {
	var r Run
	var started int64
	var finished sql.NullInt64
	if err:=row.Scan(&r.ID, &r.Dataset, &r.Depth, &r.Settings, &started, &finished); err!=nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r.StartedAt=time.Unix(0, started)
	if finished.Valid { r.FinishedAt=time.Unix(0, finished.Int64) }
	return &r, nil
}

// Returns the run with the given ID
func (l *Ledger) GetRun(id string) (*Run, error) {
	return scanRun(l.QueryRow(`SELECT run_id, dataset, depth, settings, started_at, finished_at
		FROM sweep_runs WHERE run_id = ?`, id))
}

// Returns the most recently started run for a dataset
func (l *Ledger) LatestRun(dataset string) (*Run, error) {
	return scanRun(l.QueryRow(`SELECT run_id, dataset, depth, settings, started_at, finished_at
		FROM sweep_runs WHERE dataset = ? ORDER BY started_at DESC, rowid DESC LIMIT 1`, dataset))
}

// Stores the flat-field grid of a channel for a run
func (l *Ledger) SaveGrid(runID, channel string, g *flatfield.Grid) error {
	blob, err:=g.MarshalBinary()
	if err!=nil {
		return fmt.Errorf("failed to serialize %s grid: %w", channel, err)
	}
	_, err=l.Exec(`INSERT INTO flatfield_grids (run_id, channel, grid_blob) VALUES (?, ?, ?)
		ON CONFLICT (run_id, channel) DO UPDATE SET grid_blob = excluded.grid_blob`, runID, channel, blob)
	if err!=nil {
		return fmt.Errorf("failed to store %s grid: %w", channel, err)
	}
	return nil
}

// Loads the flat-field grid of a channel for a run
func (l *Ledger) LoadGrid(runID, channel string) (*flatfield.Grid, error) {
	var blob []byte
	err:=l.QueryRow(`SELECT grid_blob FROM flatfield_grids WHERE run_id = ? AND channel = ?`, runID, channel).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s grid of run %s: %w", channel, runID, ErrNotFound)
	} else if err!=nil {
		return nil, err
	}
	g:=&flatfield.Grid{}
	if err:=g.UnmarshalBinary(blob); err!=nil {
		return nil, fmt.Errorf("%s grid of run %s: %w", channel, runID, err)
	}
	return g, nil
}

// Records the outcome of a plane, replacing earlier outcomes
func (l *Ledger) MarkPlane(runID string, k int, status Status, message string) error {
	_, err:=l.Exec(`INSERT INTO sweep_planes (run_id, plane, status, message, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (run_id, plane) DO UPDATE SET status = excluded.status, message = excluded.message, updated_at = excluded.updated_at`,
		runID, k, string(status), message, time.Now().UnixNano())
	if err!=nil {
		return fmt.Errorf("failed to mark plane %d: %w", k, err)
	}
	return nil
}

// Returns the recorded status of a plane, or ErrNotFound
func (l *Ledger) PlaneStatus(runID string, k int) (Status, error) {
	var s string
	err:=l.QueryRow(`SELECT status FROM sweep_planes WHERE run_id = ? AND plane = ?`, runID, k).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return Status(s), err
}

func (l *Ledger) planesWithStatus(runID string, status Status) ([]int, error) {
	rows, err:=l.Query(`SELECT plane FROM sweep_planes WHERE run_id = ? AND status = ? ORDER BY plane`, runID, string(status))
	if err!=nil {
		return nil, err
	}
	defer rows.Close()

	var planes []int
	for rows.Next() {
		var k int
		if err:=rows.Scan(&k); err!=nil {
			return nil, err
		}
		planes=append(planes, k)
	}
	return planes, rows.Err()
}

// Returns the set of finished planes of a run
func (l *Ledger) DonePlanes(runID string) (map[int]bool, error) {
	planes, err:=l.planesWithStatus(runID, StatusDone)
	if err!=nil { return nil, err }
	done:=make(map[int]bool, len(planes))
	for _,k:=range planes { done[k]=true }
	return done, nil
}

// Returns the failed planes of a run in ascending order
func (l *Ledger) FailedPlanes(runID string) ([]int, error) {
	return l.planesWithStatus(runID, StatusFailed)
}

// Returns the first plane index from which a run must resume, i.e. the length
// of the contiguous prefix of finished planes
func (l *Ledger) ResumeFrom(runID string) (int, error) {
	planes, err:=l.planesWithStatus(runID, StatusDone)
	if err!=nil { return 0, err }
	next:=0
	for _,k:=range planes {
		if k!=next { break }
		next++
	}
	return next, nil
}
