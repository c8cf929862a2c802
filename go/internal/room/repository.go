package room

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pandagg110/yanyun-baiyezhan/go/internal/models"
	"github.com/pandagg110/yanyun-baiyezhan/go/internal/room/realtime"
	"github.com/pandagg110/yanyun-baiyezhan/go/internal/sqlutil"
	"github.com/sqlc-dev/pqtype"
)

//go:embed schema.sql
var schemaSQL string

const roomColumns = `id, room_code, name, owner_id, room_type, round_duration,
	broadcast_interval, password, baiye_id, extras, created_at`

const memberColumns = `room_id, user_id, order_index, character_name, joined_at, last_seen`

// Repository implements room data access on Postgres
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new room repository
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// EnsureSchema creates the room tables and change triggers if they are missing.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply room schema: %w", err)
	}
	return nil
}

// CreateRoom inserts the room, its inactive state row and the owner at rotation index 0.
func (r *Repository) CreateRoom(ctx context.Context, p CreateRoomParams) (*models.Room, error) {
	extras, err := encodePresentation(p.Room.Presentation)
	if err != nil {
		return nil, err
	}

	var created *models.Room
	err = sqlutil.Run(ctx, r.db, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO baiyezhan_rooms (id, room_code, name, owner_id, room_type,
				round_duration, broadcast_interval, password, baiye_id, extras, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING `+roomColumns,
			p.Room.ID, p.Room.RoomCode, p.Room.Name, p.Room.OwnerID, string(p.Room.RoomType),
			p.Room.RoundDurationSec, p.Room.BroadcastIntervalSec, sqlutil.ToPgText(p.Room.Password),
			sqlutil.ToNullUUID(p.Room.BaiyeID), extras, p.JoinedAt,
		)
		room, err := scanRoom(row)
		if err != nil {
			if sqlutil.IsUniqueViolation(err) {
				return ErrRoomCodeTaken
			}
			return fmt.Errorf("failed to insert room: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO baiyezhan_room_state (room_id) VALUES ($1)`, room.ID); err != nil {
			return fmt.Errorf("failed to insert room state: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO baiyezhan_room_members (room_id, user_id, character_name, order_index, joined_at, last_seen)
			VALUES ($1, $2, $3, 0, $4, $4)`,
			room.ID, p.Room.OwnerID, p.OwnerName, p.JoinedAt); err != nil {
			return fmt.Errorf("failed to insert owner membership: %w", err)
		}
		created = room
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// GetRoom retrieves a room by ID
func (r *Repository) GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	room, err := scanRoom(r.db.QueryRow(ctx,
		`SELECT `+roomColumns+` FROM baiyezhan_rooms WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get room %s: %w", id, notFound(err))
	}
	return room, nil
}

// GetRoomByCode retrieves a room by its 4-digit code
func (r *Repository) GetRoomByCode(ctx context.Context, code string) (*models.Room, error) {
	room, err := scanRoom(r.db.QueryRow(ctx,
		`SELECT `+roomColumns+` FROM baiyezhan_rooms WHERE room_code = $1`, code))
	if err != nil {
		return nil, fmt.Errorf("failed to get room by code: %w", notFound(err))
	}
	return room, nil
}

// ListRooms returns the newest rooms first, optionally only those of one baiye
func (r *Repository) ListRooms(ctx context.Context, p ListRoomsParams) ([]models.Room, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+roomColumns+` FROM baiyezhan_rooms
		WHERE $2::uuid IS NULL OR baiye_id = $2
		ORDER BY created_at DESC
		LIMIT $1`, p.Limit, sqlutil.ToNullUUID(p.BaiyeID))
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	rooms, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Room, error) {
		room, err := scanRoom(row)
		if err != nil {
			return models.Room{}, err
		}
		return *room, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan rooms: %w", err)
	}
	return rooms, nil
}

// UpdateRoom writes the mutable settings of room
func (r *Repository) UpdateRoom(ctx context.Context, room models.Room) (*models.Room, error) {
	extras, err := encodePresentation(room.Presentation)
	if err != nil {
		return nil, err
	}
	updated, err := scanRoom(r.db.QueryRow(ctx, `
		UPDATE baiyezhan_rooms
		SET name = $2, round_duration = $3, broadcast_interval = $4,
			password = $5, baiye_id = $6, extras = $7
		WHERE id = $1
		RETURNING `+roomColumns,
		room.ID, room.Name, room.RoundDurationSec, room.BroadcastIntervalSec,
		sqlutil.ToPgText(room.Password), sqlutil.ToNullUUID(room.BaiyeID), extras,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to update room %s: %w", room.ID, notFound(err))
	}
	return updated, nil
}

// DeleteRoom removes a room. Its state row and members are removed by the
// cascading foreign keys.
func (r *Repository) DeleteRoom(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM baiyezhan_rooms WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete room %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRoomNotFound
	}
	return nil
}

// GetRoundSnapshot reads the room, its state row and its members in one
// consistent read. ErrStateMissing is returned when the state row is gone.
func (r *Repository) GetRoundSnapshot(ctx context.Context, roomID uuid.UUID) (*RoundSnapshot, error) {
	var snap RoundSnapshot
	err := pgx.BeginTxFunc(ctx, r.db, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	}, func(tx pgx.Tx) error {
		room, err := scanRoom(tx.QueryRow(ctx,
			`SELECT `+roomColumns+` FROM baiyezhan_rooms WHERE id = $1`, roomID))
		if err != nil {
			return notFound(err)
		}
		snap.Room = *room

		state, err := scanState(tx.QueryRow(ctx, `
			SELECT r.room_type, s.room_id, s.anchor_value, s.version, s.updated_at
			FROM baiyezhan_room_state s JOIN baiyezhan_rooms r ON r.id = s.room_id
			WHERE s.room_id = $1`, roomID))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrStateMissing
		}
		if err != nil {
			return err
		}
		snap.State = *state

		snap.Members, err = listMembers(ctx, tx, roomID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read round snapshot for room %s: %w", roomID, err)
	}
	return &snap, nil
}

// EnsureRoomState inserts an inactive state row if the room has none.
func (r *Repository) EnsureRoomState(ctx context.Context, roomID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO baiyezhan_room_state (room_id) VALUES ($1)
		ON CONFLICT (room_id) DO NOTHING`, roomID)
	if err != nil {
		return fmt.Errorf("failed to insert room state for %s: %w", roomID, err)
	}
	return nil
}

// SetAnchor overwrites the anchor value and bumps the version.
func (r *Repository) SetAnchor(ctx context.Context, roomID uuid.UUID, value *int64) (*models.RoomState, error) {
	state, err := scanState(r.db.QueryRow(ctx, `
		UPDATE baiyezhan_room_state s
		SET anchor_value = $2, version = s.version + 1, updated_at = now()
		FROM baiyezhan_rooms r
		WHERE r.id = s.room_id AND s.room_id = $1
		RETURNING r.room_type, s.room_id, s.anchor_value, s.version, s.updated_at`,
		roomID, sqlutil.ToPgInt8(value)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to set anchor for room %s: %w", roomID, ErrStateMissing)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to set anchor for room %s: %w", roomID, err)
	}
	return state, nil
}

// CompareAndSetAnchor writes the anchor value only if the stored version is
// still expectedVersion. ErrStaleAnchor is returned otherwise.
func (r *Repository) CompareAndSetAnchor(ctx context.Context, roomID uuid.UUID, expectedVersion int64, value *int64) (*models.RoomState, error) {
	state, err := scanState(r.db.QueryRow(ctx, `
		UPDATE baiyezhan_room_state s
		SET anchor_value = $3, version = s.version + 1, updated_at = now()
		FROM baiyezhan_rooms r
		WHERE r.id = s.room_id AND s.room_id = $1 AND s.version = $2
		RETURNING r.room_type, s.room_id, s.anchor_value, s.version, s.updated_at`,
		roomID, expectedVersion, sqlutil.ToPgInt8(value)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("room %s at version %d: %w", roomID, expectedVersion, ErrStaleAnchor)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to advance anchor for room %s: %w", roomID, err)
	}
	return state, nil
}

// ListMembers returns the members of a room ordered by rotation index
func (r *Repository) ListMembers(ctx context.Context, roomID uuid.UUID) ([]models.RoomMember, error) {
	members, err := listMembers(ctx, r.db, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members of room %s: %w", roomID, err)
	}
	return members, nil
}

// AddMember appends userID at the end of the rotation. It reports false when
// the user was already a member.
func (r *Repository) AddMember(ctx context.Context, roomID, userID uuid.UUID, characterName string, at time.Time) (bool, error) {
	var added bool
	err := sqlutil.Run(ctx, r.db, func(tx pgx.Tx) error {
		if err := lockRoom(ctx, tx, roomID); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO baiyezhan_room_members (room_id, user_id, character_name, order_index, joined_at, last_seen)
			SELECT $1, $2, $3, COALESCE(MAX(order_index) + 1, 0), $4, $4
			FROM baiyezhan_room_members WHERE room_id = $1
			ON CONFLICT (room_id, user_id) DO NOTHING`,
			roomID, userID, characterName, at)
		if err != nil {
			return fmt.Errorf("failed to insert member: %w", err)
		}
		added = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to add member to room %s: %w", roomID, err)
	}
	return added, nil
}

// RemoveMember deletes userID from the room and closes the gap in the
// rotation. It reports false when the user was not a member.
func (r *Repository) RemoveMember(ctx context.Context, roomID, userID uuid.UUID) (bool, error) {
	var removed bool
	err := sqlutil.Run(ctx, r.db, func(tx pgx.Tx) error {
		if err := lockRoom(ctx, tx, roomID); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx,
			`DELETE FROM baiyezhan_room_members WHERE room_id = $1 AND user_id = $2`, roomID, userID)
		if err != nil {
			return fmt.Errorf("failed to delete member: %w", err)
		}
		removed = tag.RowsAffected() > 0
		if !removed {
			return nil
		}
		return reorderMembers(ctx, tx, roomID)
	})
	if err != nil {
		return false, fmt.Errorf("failed to remove member from room %s: %w", roomID, err)
	}
	return removed, nil
}

// RemoveInactiveMembers deletes members not seen since cutoff and re-compacts
// the rotation when any were deleted.
func (r *Repository) RemoveInactiveMembers(ctx context.Context, roomID uuid.UUID, cutoff time.Time) ([]uuid.UUID, error) {
	var removed []uuid.UUID
	err := sqlutil.Run(ctx, r.db, func(tx pgx.Tx) error {
		if err := lockRoom(ctx, tx, roomID); err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `
			DELETE FROM baiyezhan_room_members
			WHERE room_id = $1 AND last_seen < $2
			RETURNING user_id`, roomID, cutoff)
		if err != nil {
			return fmt.Errorf("failed to delete inactive members: %w", err)
		}
		removed, err = pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
		if err != nil {
			return fmt.Errorf("failed to scan deleted members: %w", err)
		}
		if len(removed) == 0 {
			return nil
		}
		return reorderMembers(ctx, tx, roomID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to clean up room %s: %w", roomID, err)
	}
	return removed, nil
}

// TouchMember records a heartbeat. It reports false when the user is not a member.
func (r *Repository) TouchMember(ctx context.Context, roomID, userID uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE baiyezhan_room_members SET last_seen = $3
		WHERE room_id = $1 AND user_id = $2`, roomID, userID, at)
	if err != nil {
		return false, fmt.Errorf("failed to record heartbeat in room %s: %w", roomID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListOccupiedRoomIDs returns every room with at least one member.
func (r *Repository) ListOccupiedRoomIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, `SELECT DISTINCT room_id FROM baiyezhan_room_members`)
	if err != nil {
		return nil, fmt.Errorf("failed to list occupied rooms: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("failed to scan occupied rooms: %w", err)
	}
	return ids, nil
}

// StateVersionsSince lists anchor versions written after since.
func (r *Repository) StateVersionsSince(ctx context.Context, since time.Time) ([]realtime.StateVersion, error) {
	rows, err := r.db.Query(ctx, `
		SELECT room_id, version, updated_at FROM baiyezhan_room_state
		WHERE updated_at > $1 ORDER BY updated_at`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list state versions: %w", err)
	}
	versions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (realtime.StateVersion, error) {
		var sv realtime.StateVersion
		err := row.Scan(&sv.RoomID, &sv.Version, &sv.UpdatedAt)
		return sv, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan state versions: %w", err)
	}
	return versions, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func listMembers(ctx context.Context, q querier, roomID uuid.UUID) ([]models.RoomMember, error) {
	rows, err := q.Query(ctx, `
		SELECT `+memberColumns+` FROM baiyezhan_room_members
		WHERE room_id = $1 ORDER BY order_index, joined_at`, roomID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.RoomMember, error) {
		var m models.RoomMember
		err := row.Scan(&m.RoomID, &m.UserID, &m.OrderIndex, &m.CharacterName, &m.JoinedAt, &m.LastSeen)
		return m, err
	})
}

// lockRoom serializes membership changes of one room.
func lockRoom(ctx context.Context, tx pgx.Tx, roomID uuid.UUID) error {
	var id uuid.UUID
	err := tx.QueryRow(ctx, `SELECT id FROM baiyezhan_rooms WHERE id = $1 FOR UPDATE`, roomID).Scan(&id)
	if err != nil {
		return notFound(err)
	}
	return nil
}

// reorderMembers renumbers the rotation 0..n-1 keeping the current order.
func reorderMembers(ctx context.Context, tx pgx.Tx, roomID uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE baiyezhan_room_members m
		SET order_index = r.idx
		FROM (
			SELECT user_id, (row_number() OVER (ORDER BY order_index, joined_at) - 1)::INTEGER AS idx
			FROM baiyezhan_room_members WHERE room_id = $1
		) r
		WHERE m.room_id = $1 AND m.user_id = r.user_id AND m.order_index <> r.idx`, roomID)
	if err != nil {
		return fmt.Errorf("failed to reorder members: %w", err)
	}
	return nil
}

func scanRoom(row pgx.Row) (*models.Room, error) {
	var (
		room     models.Room
		roomType string
		password pgtype.Text
		baiyeID  uuid.NullUUID
		extras   pqtype.NullRawMessage
	)
	err := row.Scan(&room.ID, &room.RoomCode, &room.Name, &room.OwnerID, &roomType,
		&room.RoundDurationSec, &room.BroadcastIntervalSec, &password, &baiyeID, &extras, &room.CreatedAt)
	if err != nil {
		return nil, err
	}
	room.RoomType = models.RoomType(roomType)
	room.Password = sqlutil.FromPgText(password)
	room.BaiyeID = sqlutil.FromNullUUID(baiyeID)
	if extras.Valid {
		if err := json.Unmarshal(extras.RawMessage, &room.Presentation); err != nil {
			return nil, fmt.Errorf("failed to decode room extras: %w", err)
		}
	}
	return &room, nil
}

func scanState(row pgx.Row) (*models.RoomState, error) {
	var (
		state    models.RoomState
		roomType string
		value    pgtype.Int8
		version  int64
	)
	if err := row.Scan(&roomType, &state.RoomID, &value, &version, &state.UpdatedAt); err != nil {
		return nil, err
	}
	anchor, err := DecodeAnchor(models.RoomType(roomType), sqlutil.FromPgInt8(value), version)
	if err != nil {
		return nil, err
	}
	state.Anchor = anchor
	return &state, nil
}

func encodePresentation(p models.RoomPresentation) (pqtype.NullRawMessage, error) {
	if p == (models.RoomPresentation{}) {
		return pqtype.NullRawMessage{}, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return pqtype.NullRawMessage{}, fmt.Errorf("failed to marshal room extras: %w", err)
	}
	return pqtype.NullRawMessage{RawMessage: data, Valid: true}, nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrRoomNotFound
	}
	return err
}
