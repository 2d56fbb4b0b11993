// Package replcmd parses the narrow replication-command sublanguage a
// standby issues over the simple-query protocol: IDENTIFY_SYSTEM,
// START_REPLICATION, and TIMELINE_HISTORY, plus recognizing (and
// rejecting) the commands walbouncer does not support. spec.md treats the
// full replication grammar as an external collaborator; this package is
// the narrow slice of it walbouncer actually needs to dispatch on.
package replcmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pglogrepl"
)

// Kind tags which replication command was parsed.
type Kind int

const (
	IdentifySystem Kind = iota
	StartPhysical
	StartLogical
	TimelineHistory
	BaseBackup
	CreateReplicationSlot
	DropReplicationSlot
)

func (k Kind) String() string {
	switch k {
	case IdentifySystem:
		return "IDENTIFY_SYSTEM"
	case StartPhysical:
		return "START_REPLICATION PHYSICAL"
	case StartLogical:
		return "START_REPLICATION LOGICAL"
	case TimelineHistory:
		return "TIMELINE_HISTORY"
	case BaseBackup:
		return "BASE_BACKUP"
	case CreateReplicationSlot:
		return "CREATE_REPLICATION_SLOT"
	case DropReplicationSlot:
		return "DROP_REPLICATION_SLOT"
	default:
		return "UNKNOWN"
	}
}

// Supported reports whether walbouncer implements this command; the
// others are recognized only so the session can reject them with a
// specific error rather than a generic parse failure.
func (k Kind) Supported() bool {
	return k == IdentifySystem || k == StartPhysical
}

// Command is the tagged result of parsing one replication-protocol
// statement. Only the fields relevant to Kind are populated.
type Command struct {
	Kind     Kind
	StartLSN pglogrepl.LSN
	Timeline int32 // 0 means "current timeline", for StartPhysical/TimelineHistory
	SlotName string
}

// Parse tokenizes and parses a single replication-command statement, as
// delivered via a simple Query ('Q') message. Whitespace-insensitive,
// case-insensitive on keywords, matching the grammar accepted by a real
// walsender.
func Parse(stmt string) (Command, error) {
	fields := strings.Fields(stmt)
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("replcmd: empty command")
	}

	kw := strings.ToUpper(fields[0])
	switch kw {
	case "IDENTIFY_SYSTEM":
		if len(fields) != 1 {
			return Command{}, fmt.Errorf("replcmd: IDENTIFY_SYSTEM takes no arguments")
		}
		return Command{Kind: IdentifySystem}, nil

	case "TIMELINE_HISTORY":
		if len(fields) != 2 {
			return Command{}, fmt.Errorf("replcmd: usage: TIMELINE_HISTORY tli")
		}
		tli, err := parseTimeline(fields[1])
		if err != nil {
			return Command{}, err
		}
		return Command{Kind: TimelineHistory, Timeline: tli}, nil

	case "BASE_BACKUP":
		return Command{Kind: BaseBackup}, nil

	case "CREATE_REPLICATION_SLOT":
		return Command{Kind: CreateReplicationSlot, SlotName: fieldAt(fields, 1)}, nil

	case "DROP_REPLICATION_SLOT":
		return Command{Kind: DropReplicationSlot, SlotName: fieldAt(fields, 1)}, nil

	case "START_REPLICATION":
		return parseStartReplication(fields[1:])

	default:
		return Command{}, fmt.Errorf("replcmd: unrecognized command %q", fields[0])
	}
}

// parseStartReplication handles:
//
//	START_REPLICATION [SLOT slot] PHYSICAL lsn [TIMELINE tli]
//	START_REPLICATION [SLOT slot] LOGICAL lsn [option_name 'value' ...]
func parseStartReplication(fields []string) (Command, error) {
	var slot string
	if len(fields) >= 2 && strings.EqualFold(fields[0], "SLOT") {
		slot = fields[1]
		fields = fields[2:]
	}

	if len(fields) == 0 {
		return Command{}, fmt.Errorf("replcmd: usage: START_REPLICATION [SLOT slot] PHYSICAL|LOGICAL lsn")
	}

	mode := strings.ToUpper(fields[0])
	switch mode {
	case "PHYSICAL":
		if len(fields) < 2 {
			return Command{}, fmt.Errorf("replcmd: usage: START_REPLICATION PHYSICAL lsn [TIMELINE tli]")
		}
		startLSN, err := pglogrepl.ParseLSN(fields[1])
		if err != nil {
			return Command{}, fmt.Errorf("replcmd: invalid start LSN %q: %w", fields[1], err)
		}

		cmd := Command{Kind: StartPhysical, StartLSN: startLSN, SlotName: slot}
		if len(fields) >= 4 && strings.EqualFold(fields[2], "TIMELINE") {
			tli, err := parseTimeline(fields[3])
			if err != nil {
				return Command{}, err
			}
			cmd.Timeline = tli
		}
		return cmd, nil

	case "LOGICAL":
		return Command{Kind: StartLogical, SlotName: slot}, nil

	default:
		return Command{}, fmt.Errorf("replcmd: START_REPLICATION requires PHYSICAL or LOGICAL, got %q", fields[0])
	}
}

func parseTimeline(s string) (int32, error) {
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("replcmd: invalid timeline %q: %w", s, err)
	}
	return int32(v), nil
}

func fieldAt(fields []string, i int) string {
	if i < len(fields) {
		return fields[i]
	}
	return ""
}
