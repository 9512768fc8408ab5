package cmn

// FileBlockSize is the fixed logical block size (FILE_BLOCK_SIZE).
// A block is the unit every hash-based data-group routing decision is
// made against; slices are always sub-ranges of one block.
const FileBlockSize = 4 * 1024 * 1024

// MemAlignSize is the trunk allocator's allocation granularity;
// MemAlign rounds sizes up to a multiple of it.
const MemAlignSize = 512

// BlockKey identifies one logical block: an object id plus a
// block-aligned offset into that object.
type BlockKey struct {
	OID    uint64
	Offset uint64 // multiple of FileBlockSize
}

// HashCode derives the deterministic routing hash for a block, per the
// wire-level contract `hash_code = oid + offset/FILE_BLOCK_SIZE`.
func (k BlockKey) HashCode() uint64 {
	return k.OID + k.Offset/FileBlockSize
}

// DataGroupIndex maps a block to a data group given the cluster's
// configured data-group count.
func (k BlockKey) DataGroupIndex(dataGroupCount uint64) uint64 {
	if dataGroupCount == 0 {
		return 0
	}
	return k.HashCode() % dataGroupCount
}

// SliceRange is a contiguous byte range within one block:
// 0 <= Offset, Offset+Length <= FileBlockSize.
type SliceRange struct {
	Offset uint32
	Length uint32
}

// End returns the exclusive end offset of the range.
func (r SliceRange) End() uint32 { return r.Offset + r.Length }

// Overlaps reports whether r and o share any byte.
func (r SliceRange) Overlaps(o SliceRange) bool {
	return r.Offset < o.End() && o.Offset < r.End()
}

// SliceKey identifies one slice: the block it belongs to plus its range
// within that block.
type SliceKey struct {
	Block BlockKey
	Range SliceRange
}

// MemAlign rounds n up to the trunk allocator's allocation granularity.
func MemAlign(n uint64) uint64 {
	if n%MemAlignSize == 0 {
		return n
	}
	return (n/MemAlignSize + 1) * MemAlignSize
}

// TrunkIDInfo identifies a trunk file: its numeric id and the storage-path
// subdirectory it lives under (trunks are sharded across subdirectories
// to keep any one directory from holding too many files).
type TrunkIDInfo struct {
	ID     uint64
	Subdir uint32
}

// TrunkSpaceInfo identifies a byte range inside one trunk file on one
// storage path. A slice space is held by exactly one OBSliceEntry at a
// time.
type TrunkSpaceInfo struct {
	StorePathIndex int
	ID             TrunkIDInfo
	Offset         uint64
	Size           uint64
}

// TrunkStatus is the lifecycle state of one on-disk trunk file.
type TrunkStatus int

const (
	TrunkStatusNone TrunkStatus = iota
	TrunkStatusAllocating
	TrunkStatusReclaiming
)

func (s TrunkStatus) String() string {
	switch s {
	case TrunkStatusAllocating:
		return "allocating"
	case TrunkStatusReclaiming:
		return "reclaiming"
	default:
		return "none"
	}
}

// ServerStatus is a data-group member's replication readiness.
type ServerStatus int

const (
	ServerStatusOffline ServerStatus = iota
	ServerStatusOnline               // transient pre-active state
	ServerStatusActive               // receives replication traffic
)

func (s ServerStatus) String() string {
	switch s {
	case ServerStatusOnline:
		return "online"
	case ServerStatusActive:
		return "active"
	default:
		return "offline"
	}
}

// ClusterDataGroupInfo describes one data group as seen by a member
// server. Master is updated by an external relationship/heartbeat
// service (out of scope here) and must be read atomically by callers.
type ClusterDataGroupInfo struct {
	ID            string
	Myself        string
	Master        string
	SlaveDSArray  []string
	Status        ServerStatus
}
