package segment

// Stage is a segment's position in the pipeline. Values are ordered; a
// segment only ever moves to a larger value, or to StageFailed.
type Stage uint8

const (
	StageFree Stage = iota
	StageFilling
	StageReceived
	StageDecrypted
	StageDecompressed
	StageDecoded
	StageTransmuted
	StageProcessed
	StageEncoded
	StageCompressed
	StageEncrypted
	StageFlushed
	StageFailed
)

var stageNames = [...]string{
	StageFree:         "free",
	StageFilling:      "filling",
	StageReceived:     "received",
	StageDecrypted:    "decrypted",
	StageDecompressed: "decompressed",
	StageDecoded:      "decoded",
	StageTransmuted:   "transmuted",
	StageProcessed:    "processed",
	StageEncoded:      "encoded",
	StageCompressed:   "compressed",
	StageEncrypted:    "encrypted",
	StageFlushed:      "flushed",
	StageFailed:       "failed",
}

func (s Stage) String() string {
	if int(s) < len(stageNames) {
		return stageNames[s]
	}
	return "unknown"
}

// Terminal reports whether the stage admits no further transition.
func (s Stage) Terminal() bool {
	return s == StageFlushed || s == StageFailed
}

// Transforming reports whether a transform runs from this stage, i.e. the
// segment is in [Received, Encrypted).
func (s Stage) Transforming() bool {
	return s >= StageReceived && s < StageEncrypted
}

// Park records why an otherwise live segment is skipped by the scan.
type Park uint8

const (
	ParkNone Park = iota
	ParkAwaitBytes
	ParkAwaitOrder
	ParkAwaitIO
)

func (p Park) String() string {
	switch p {
	case ParkNone:
		return "none"
	case ParkAwaitBytes:
		return "await-bytes"
	case ParkAwaitOrder:
		return "await-order"
	case ParkAwaitIO:
		return "await-io"
	}
	return "unknown"
}
