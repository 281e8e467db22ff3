package metadata

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/Leadrive/eventql/utils/log"
)

// ErrConcurrentModification reports a transaction-pointer mismatch: the
// caller built its operation against a file that is no longer the head.
var ErrConcurrentModification = errors.New("concurrent modification")

// OperationResult is the per-server outcome of a metadata operation.
// The checksum lets the coordinator detect replicas whose files
// diverged.
type OperationResult struct {
	FileChecksum [20]byte `msgpack:"metadata_file_checksum"`
}

func (r *OperationResult) Encode() ([]byte, error) {
	return msgpack.Marshal(r)
}

func DecodeOperationResult(data []byte) (*OperationResult, error) {
	var res OperationResult
	if err := msgpack.Unmarshal(data, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Store is one metadata server's durable set of metadata files, kept
// per table under <base>/metadata/<ns>/<table>/<txnid>.mdf with a HEAD
// file naming the current transaction.
type Store struct {
	mu      sync.Mutex
	baseDir string
}

func NewStore(baseDir string) *Store {
	return &Store{baseDir: filepath.Join(baseDir, "metadata")}
}

func (s *Store) tableDir(ns, table string) string {
	// Escape so namespace/table strings can't traverse the tree.
	return filepath.Join(s.baseDir, url.PathEscape(ns), url.PathEscape(table))
}

func (s *Store) filePath(ns, table string, txnid [20]byte) string {
	return filepath.Join(s.tableDir(ns, table), hex.EncodeToString(txnid[:])+".mdf")
}

func (s *Store) headPath(ns, table string) string {
	return filepath.Join(s.tableDir(ns, table), "HEAD")
}

// CreateFile stores the initial metadata file of a table and points
// HEAD at it. Fails if the table already has a head.
func (s *Store) CreateFile(ns, table string, file *File) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.headTxnIDLocked(ns, table); err == nil {
		return fmt.Errorf("table already has a metadata file: %s/%s", ns, table)
	}

	if err := s.writeFileLocked(ns, table, file); err != nil {
		return err
	}
	return s.setHeadLocked(ns, table, file.TxnID)
}

// PerformOperation applies op to the head file, persists the successor
// and advances HEAD. The operation's input txnid must name the current
// head.
func (s *Store) PerformOperation(ns, table string, op Operation) (*OperationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	head, err := s.headTxnIDLocked(ns, table)
	if err != nil {
		return nil, err
	}
	if head != op.InputTxnID {
		return nil, fmt.Errorf("%w: operation input txnid is not the head", ErrConcurrentModification)
	}

	in, err := s.getFileLocked(ns, table, head)
	if err != nil {
		return nil, err
	}

	out, err := op.Apply(in)
	if err != nil {
		return nil, err
	}

	if err := s.writeFileLocked(ns, table, out); err != nil {
		return nil, err
	}
	if err := s.setHeadLocked(ns, table, out.TxnID); err != nil {
		return nil, err
	}

	checksum, err := out.Checksum()
	if err != nil {
		return nil, err
	}

	log.Debug(
		"metadata store: %s/%s %s -> %s (%s)",
		ns, table,
		hex.EncodeToString(op.InputTxnID[:]),
		hex.EncodeToString(op.OutputTxnID[:]),
		op.OpType)

	return &OperationResult{FileChecksum: checksum}, nil
}

// GetFile loads the metadata file stored for txnid.
func (s *Store) GetFile(ns, table string, txnid [20]byte) (*File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getFileLocked(ns, table, txnid)
}

// GetHeadFile loads the current head file of a table.
func (s *Store) GetHeadFile(ns, table string) (*File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	head, err := s.headTxnIDLocked(ns, table)
	if err != nil {
		return nil, err
	}
	return s.getFileLocked(ns, table, head)
}

func (s *Store) getFileLocked(ns, table string, txnid [20]byte) (*File, error) {
	data, err := os.ReadFile(s.filePath(ns, table, txnid))
	if err != nil {
		return nil, fmt.Errorf("read metadata file: %w", err)
	}
	return DecodeFile(data)
}

func (s *Store) writeFileLocked(ns, table string, file *File) error {
	dir := s.tableDir(ns, table)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create metadata dir: %w", err)
	}

	data, err := file.Encode()
	if err != nil {
		return err
	}

	path := s.filePath(ns, table, file.TxnID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write metadata file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("publish metadata file: %w", err)
	}
	return nil
}

func (s *Store) setHeadLocked(ns, table string, txnid [20]byte) error {
	path := s.headPath(ns, table)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(hex.EncodeToString(txnid[:])), 0o644); err != nil {
		return fmt.Errorf("write HEAD: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("publish HEAD: %w", err)
	}
	return nil
}

func (s *Store) headTxnIDLocked(ns, table string) ([20]byte, error) {
	var txnid [20]byte
	data, err := os.ReadFile(s.headPath(ns, table))
	if err != nil {
		return txnid, fmt.Errorf("table has no metadata head: %s/%s", ns, table)
	}
	raw, err := hex.DecodeString(string(data))
	if err != nil || len(raw) != 20 {
		return txnid, fmt.Errorf("corrupt metadata HEAD for %s/%s", ns, table)
	}
	copy(txnid[:], raw)
	return txnid, nil
}
