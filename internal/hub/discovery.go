package hub

import (
	"bufio"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/juju/fslock"

	"sharedtable/internal/errs"
)

// Discovery is the file-backed peer list every peer announces itself to
// and reads on startup: a newline-delimited list of "ip:port" entries
// guarded by an advisory file lock, so a handful of colocated peers can
// find each other without a separate directory service.
type Discovery struct {
	path string
	mu   sync.Mutex
}

// NewDiscovery opens (creating if absent) the discovery file at path.
func NewDiscovery(path string) (*Discovery, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0644)
	if err != nil {
		return nil, errs.Wrap(errs.Invalid, err, "open discovery file %s", path)
	}
	f.Close()
	return &Discovery{path: path}, nil
}

// Announce appends addr to the discovery file if it is not already
// present, under an exclusive file lock so concurrently starting peers
// never interleave writes.
func (d *Discovery) Announce(addr string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	lock := fslock.New(d.path + ".lock")
	if err := lock.LockWithTimeout(5 * time.Second); err != nil {
		return errs.Wrap(errs.Timeout, err, "acquire discovery lock")
	}
	defer lock.Unlock()

	addrs, err := d.readLocked()
	if err != nil {
		return err
	}
	for _, a := range addrs {
		if a == addr {
			return nil
		}
	}
	addrs = append(addrs, addr)

	f, err := os.OpenFile(d.path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0644)
	if err != nil {
		return errs.Wrap(errs.Invalid, err, "rewrite discovery file")
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, a := range addrs {
		if _, err := w.WriteString(a + "\n"); err != nil {
			return err
		}
	}
	return w.Flush()
}

// Renounce removes addr from the discovery file. Called on graceful
// shutdown so a dead peer isn't offered to new joiners.
func (d *Discovery) Renounce(addr string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	lock := fslock.New(d.path + ".lock")
	if err := lock.LockWithTimeout(5 * time.Second); err != nil {
		return errs.Wrap(errs.Timeout, err, "acquire discovery lock")
	}
	defer lock.Unlock()

	addrs, err := d.readLocked()
	if err != nil {
		return err
	}
	kept := addrs[:0]
	for _, a := range addrs {
		if a != addr {
			kept = append(kept, a)
		}
	}

	f, err := os.OpenFile(d.path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0644)
	if err != nil {
		return errs.Wrap(errs.Invalid, err, "rewrite discovery file")
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, a := range kept {
		if _, err := w.WriteString(a + "\n"); err != nil {
			return err
		}
	}
	return w.Flush()
}

// Peers returns every address currently on file, sorted for deterministic
// iteration order.
func (d *Discovery) Peers() ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	lock := fslock.New(d.path + ".lock")
	if err := lock.LockWithTimeout(5 * time.Second); err != nil {
		return nil, errs.Wrap(errs.Timeout, err, "acquire discovery lock")
	}
	defer lock.Unlock()

	return d.readLocked()
}

func (d *Discovery) readLocked() ([]string, error) {
	f, err := os.Open(d.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.Invalid, err, "open discovery file")
	}
	defer f.Close()

	var addrs []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			addrs = append(addrs, line)
		}
	}
	sort.Strings(addrs)
	return addrs, scanner.Err()
}
