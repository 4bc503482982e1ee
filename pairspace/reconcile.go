package pairspace

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/afero"
	"golang.org/x/exp/maps"

	"pairspace.org/protocol"
)

type ReconcileSettings struct {
	// directory and file base names excluded from the manifest
	IgnoreNames []string
	// path suffixes excluded from the manifest
	IgnoreSuffixes []string
	// paths per file_request frame, bounds peak frame size
	BatchSize int
	// echo window for self-caused filesystem events
	SuppressTtl time.Duration
	// a null byte within this prefix marks the file binary
	BinarySniffLen int
	// bounds the pending-set wait when a peer stalls mid transfer
	SyncTimeout time.Duration
}

func DefaultReconcileSettings() *ReconcileSettings {
	return &ReconcileSettings{
		IgnoreNames:    []string{".git", ".hg", ".svn", "node_modules", "__pycache__", ".DS_Store"},
		IgnoreSuffixes: []string{".swp", ".swo", "~", ".tmp"},
		BatchSize:      10,
		SuppressTtl:    3 * time.Second,
		BinarySniffLen: int(kib(8)),
		SyncTimeout:    2 * time.Minute,
	}
}

func (self *ReconcileSettings) ignored(relPath string) bool {
	for _, part := range strings.Split(relPath, "/") {
		for _, name := range self.IgnoreNames {
			if part == name {
				return true
			}
		}
	}
	for _, suffix := range self.IgnoreSuffixes {
		if strings.HasSuffix(relPath, suffix) {
			return true
		}
	}
	return false
}

// cleanRelPath rejects wire paths that would escape the root.
func cleanRelPath(relPath string) (string, error) {
	cleaned := path.Clean(strings.ReplaceAll(relPath, "\\", "/"))
	if cleaned == "." || cleaned == "" {
		return "", fmt.Errorf("empty path")
	}
	if path.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("path escapes root: %s", relPath)
	}
	return cleaned, nil
}

// GenerateManifest lists every file under root, minus the ignore set, with a
// sha256 content hash per file. Paths are slash separated and relative to
// root. The result is sorted by path. Nothing is persisted.
func GenerateManifest(fs afero.Fs, root string, settings *ReconcileSettings) ([]protocol.FileInfo, error) {
	files := []protocol.FileInfo{}
	err := afero.Walk(fs, root, func(walkPath string, info os.FileInfo, err error) error {
		if err != nil {
			// a path that vanished mid walk is not an error
			glog.V(1).Infof("[r]walk skip %s = %s\n", walkPath, err)
			return nil
		}
		relPath, relErr := filepath.Rel(root, walkPath)
		if relErr != nil {
			return nil
		}
		relPath = filepath.ToSlash(relPath)
		if relPath == "." {
			return nil
		}
		if info.IsDir() {
			if settings.ignored(relPath) {
				return filepath.SkipDir
			}
			return nil
		}
		if settings.ignored(relPath) {
			return nil
		}
		hash, size, hashErr := hashFile(fs, walkPath)
		if hashErr != nil {
			glog.V(1).Infof("[r]hash skip %s = %s\n", relPath, hashErr)
			return nil
		}
		files = append(files, protocol.FileInfo{
			Path: relPath,
			Hash: hash,
			Size: size,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i int, j int) bool {
		return files[i].Path < files[j].Path
	})
	return files, nil
}

func hashFile(fs afero.Fs, filePath string) (string, int64, error) {
	f, err := fs.Open(filePath)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

type ManifestDiff struct {
	ToDownload []string
	ToDelete   []string
}

// DiffManifests is a one-directional reconciliation toward the remote state.
// A remote path is downloaded when it is locally absent or the hashes differ.
// A local path absent remotely is deleted. The two sets are disjoint.
func DiffManifests(local []protocol.FileInfo, remote []protocol.FileInfo) ManifestDiff {
	localByPath := map[string]protocol.FileInfo{}
	for _, file := range local {
		localByPath[file.Path] = file
	}
	remotePaths := map[string]bool{}

	diff := ManifestDiff{
		ToDownload: []string{},
		ToDelete:   []string{},
	}
	for _, file := range remote {
		remotePaths[file.Path] = true
		if localFile, ok := localByPath[file.Path]; !ok || localFile.Hash != file.Hash {
			diff.ToDownload = append(diff.ToDownload, file.Path)
		}
	}
	for _, file := range local {
		if !remotePaths[file.Path] {
			diff.ToDelete = append(diff.ToDelete, file.Path)
		}
	}
	sort.Strings(diff.ToDownload)
	sort.Strings(diff.ToDelete)
	return diff
}

// isBinaryContent applies the null-byte heuristic to the sniff prefix.
func isBinaryContent(content []byte, sniffLen int) bool {
	if sniffLen < len(content) {
		content = content[0:sniffLen]
	}
	return bytes.IndexByte(content, 0) >= 0
}

// ReadFileData loads one file for transfer, base64 wrapping binary content.
func ReadFileData(fs afero.Fs, root string, relPath string, settings *ReconcileSettings) (protocol.FileData, error) {
	cleaned, err := cleanRelPath(relPath)
	if err != nil {
		return protocol.FileData{}, err
	}
	content, err := afero.ReadFile(fs, filepath.Join(root, filepath.FromSlash(cleaned)))
	if err != nil {
		return protocol.FileData{}, err
	}
	data := protocol.FileData{
		Path: cleaned,
	}
	if isBinaryContent(content, settings.BinarySniffLen) {
		data.Binary = true
		data.Content = base64.StdEncoding.EncodeToString(content)
	} else {
		data.Content = string(content)
	}
	return data, nil
}

// LoadFiles serves a file_request. Unreadable paths are skipped with a log,
// a file deleted mid sync must not abort the session.
func LoadFiles(fs afero.Fs, root string, relPaths []string, settings *ReconcileSettings) []protocol.FileData {
	files := []protocol.FileData{}
	for _, relPath := range relPaths {
		data, err := ReadFileData(fs, root, relPath, settings)
		if err != nil {
			glog.Infof("[r]load skip %s = %s\n", relPath, err)
			continue
		}
		files = append(files, data)
	}
	return files
}

type RequestFilesFunction func(paths []string)

type SyncCompleteFunction func(err error)

// Reconciler drives one client's file tree toward the host manifest and
// applies remote file operations with watch-echo suppression. It is owned by
// the session coordinator for the life of a connection.
type Reconciler struct {
	ctx    context.Context
	cancel context.CancelFunc

	fs   afero.Fs
	root string

	requestFiles RequestFilesFunction

	suppress *suppressSet

	completeCallbacks *CallbackList[SyncCompleteFunction]

	mutex        sync.Mutex
	pending      map[string]bool
	started      bool
	completed    bool
	timeoutTimer *time.Timer

	settings *ReconcileSettings
}

func NewReconciler(
	ctx context.Context,
	fs afero.Fs,
	root string,
	requestFiles RequestFilesFunction,
	settings *ReconcileSettings,
) *Reconciler {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Reconciler{
		ctx:               cancelCtx,
		cancel:            cancel,
		fs:                fs,
		root:              root,
		requestFiles:      requestFiles,
		suppress:          newSuppressSet(settings.SuppressTtl),
		completeCallbacks: NewCallbackList[SyncCompleteFunction](),
		pending:           map[string]bool{},
		settings:          settings,
	}
}

func (self *Reconciler) AddSyncCompleteCallback(callback SyncCompleteFunction) func() {
	return self.completeCallbacks.Add(callback)
}

// Start reconciles against the remote manifest: deletes every local-only
// path, then requests the remaining paths in fixed-size batches. When there
// is nothing to download, completion fires synchronously.
func (self *Reconciler) Start(remote []protocol.FileInfo) error {
	local, err := GenerateManifest(self.fs, self.root, self.settings)
	if err != nil {
		return err
	}
	diff := DiffManifests(local, remote)

	for _, relPath := range diff.ToDelete {
		if err := self.removeFile(relPath); err != nil {
			glog.Infof("[r]delete skip %s = %s\n", relPath, err)
		}
	}

	self.mutex.Lock()
	self.started = true
	for _, relPath := range diff.ToDownload {
		self.pending[relPath] = true
	}
	if len(self.pending) == 0 {
		self.mutex.Unlock()
		glog.V(1).Infof("[r]sync complete, nothing to download\n")
		self.complete(nil)
		return nil
	}
	if 0 < self.settings.SyncTimeout {
		self.timeoutTimer = time.AfterFunc(self.settings.SyncTimeout, func() {
			self.complete(fmt.Errorf("sync timeout after %s", self.settings.SyncTimeout))
		})
	}
	self.mutex.Unlock()

	glog.V(1).Infof("[r]sync start download=%d delete=%d\n", len(diff.ToDownload), len(diff.ToDelete))

	for i := 0; i < len(diff.ToDownload); i += self.settings.BatchSize {
		end := i + self.settings.BatchSize
		if len(diff.ToDownload) < end {
			end = len(diff.ToDownload)
		}
		self.requestFiles(diff.ToDownload[i:end])
	}
	return nil
}

// ApplyContent writes arrived files and drains the pending set. The sync is
// complete exactly when the pending set reaches empty.
func (self *Reconciler) ApplyContent(files []protocol.FileData) {
	for _, data := range files {
		if err := self.WriteFile(data); err != nil {
			glog.Infof("[r]write skip %s = %s\n", data.Path, err)
		}
		self.mutex.Lock()
		delete(self.pending, data.Path)
		empty := len(self.pending) == 0
		started := self.started
		self.mutex.Unlock()
		if empty && started {
			glog.V(1).Infof("[r]sync complete\n")
			self.complete(nil)
		}
	}
}

// WriteFile persists one transferred file, suppressing the watch echo for its
// path. Writing the same data twice produces identical bytes.
func (self *Reconciler) WriteFile(data protocol.FileData) error {
	cleaned, err := cleanRelPath(data.Path)
	if err != nil {
		return err
	}
	var content []byte
	if data.Binary {
		content, err = base64.StdEncoding.DecodeString(data.Content)
		if err != nil {
			return err
		}
	} else {
		content = []byte(data.Content)
	}
	self.suppress.add(cleaned)
	fullPath := filepath.Join(self.root, filepath.FromSlash(cleaned))
	if err := self.fs.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return err
	}
	return afero.WriteFile(self.fs, fullPath, content, 0644)
}

func (self *Reconciler) ApplyCreate(create *protocol.FileCreate) error {
	return self.WriteFile(protocol.FileData{
		Path:    create.Path,
		Content: create.Content,
		Binary:  create.Binary,
	})
}

func (self *Reconciler) ApplyDelete(fileDelete *protocol.FileDelete) error {
	return self.removeFile(fileDelete.Path)
}

// ApplyRename renames on disk, suppressing both paths. When the source does
// not exist locally the rename degrades to making sure the old path is gone;
// the content then arrives through the normal create path.
func (self *Reconciler) ApplyRename(rename *protocol.FileRename) error {
	oldCleaned, err := cleanRelPath(rename.OldPath)
	if err != nil {
		return err
	}
	newCleaned, err := cleanRelPath(rename.NewPath)
	if err != nil {
		return err
	}
	self.suppress.add(oldCleaned)
	self.suppress.add(newCleaned)
	oldFull := filepath.Join(self.root, filepath.FromSlash(oldCleaned))
	newFull := filepath.Join(self.root, filepath.FromSlash(newCleaned))
	if _, err := self.fs.Stat(oldFull); err != nil {
		return nil
	}
	if err := self.fs.MkdirAll(filepath.Dir(newFull), 0755); err != nil {
		return err
	}
	return self.fs.Rename(oldFull, newFull)
}

func (self *Reconciler) removeFile(relPath string) error {
	cleaned, err := cleanRelPath(relPath)
	if err != nil {
		return err
	}
	self.suppress.add(cleaned)
	return self.fs.Remove(filepath.Join(self.root, filepath.FromSlash(cleaned)))
}

// Suppressed reports whether a watch event for the path is self-caused.
func (self *Reconciler) Suppressed(relPath string) bool {
	cleaned, err := cleanRelPath(relPath)
	if err != nil {
		return false
	}
	return self.suppress.active(cleaned)
}

func (self *Reconciler) Pending() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	pending := maps.Keys(self.pending)
	sort.Strings(pending)
	return pending
}

func (self *Reconciler) complete(err error) {
	self.mutex.Lock()
	if self.completed {
		self.mutex.Unlock()
		return
	}
	self.completed = true
	if self.timeoutTimer != nil {
		self.timeoutTimer.Stop()
	}
	self.mutex.Unlock()

	for _, callback := range self.completeCallbacks.Get() {
		callback := callback
		handleCallback(func() {
			callback(err)
		})
	}
}

// Close abandons an in-flight sync. The completion callback never fires for
// a sync abandoned before the pending set drains.
func (self *Reconciler) Close() {
	self.mutex.Lock()
	self.completed = true
	if self.timeoutTimer != nil {
		self.timeoutTimer.Stop()
	}
	self.mutex.Unlock()
	self.cancel()
}
