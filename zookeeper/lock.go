package zookeeper

import (
	"context"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"
)

const (
	lockRoot   = "/rainy/locks"
	nodePrefix = "lock-"
	// zk 给顺序节点追加的十位计数器
	seqDigits = 10

	defaultWait = 30 * time.Second
)

// ErrLockHeld 表示同一个 DistributedLock 在未释放前被再次加锁
var ErrLockHeld = errors.New("zookeeper: lock already held by this instance")

// DistributedLock 是基于临时顺序节点的公平互斥锁。
// 每个等待者只监听排在自己前面的那个节点，释放时不会惊动所有人。
// 同一个实例不是并发安全的，每个 goroutine 应该持有自己的锁对象。
type DistributedLock struct {
	conn *Conn
	dir  string
	node string
	wait time.Duration
}

// NewDistributedLock 为 resourceID 创建锁，并确保 /rainy/locks/<resourceID> 存在
func NewDistributedLock(conn *Conn, resourceID string) (*DistributedLock, error) {
	dir := path.Join(lockRoot, resourceID)
	if err := ensurePath(conn, dir); err != nil {
		return nil, err
	}
	return &DistributedLock{conn: conn, dir: dir, wait: defaultWait}, nil
}

// Lock 阻塞直到拿到锁，最多等待 30 秒
func (l *DistributedLock) Lock() error {
	ctx, cancel := context.WithTimeout(context.Background(), l.wait)
	defer cancel()
	return l.LockContext(ctx)
}

// LockContext 阻塞直到拿到锁或 ctx 结束。失败时会删掉自己排队的节点。
func (l *DistributedLock) LockContext(ctx context.Context) error {
	if l.node != "" {
		return ErrLockHeld
	}
	// protected 节点在连接重试时不会留下孤儿节点
	node, err := l.conn.CreateProtectedEphemeralSequential(l.dir+"/"+nodePrefix, nil, zk.WorldACL(zk.PermAll))
	if err != nil {
		return errors.Wrapf(err, "enqueue for lock %s", l.dir)
	}
	l.node = node

	for {
		children, _, err := l.conn.Children(l.dir)
		if err != nil {
			l.abandon()
			return errors.Wrapf(err, "list waiters of %s", l.dir)
		}
		prev, err := predecessor(children, path.Base(node))
		if err != nil {
			l.abandon()
			return err
		}
		if prev == "" {
			return nil
		}

		exists, _, watch, err := l.conn.ExistsW(l.dir + "/" + prev)
		if err != nil {
			l.abandon()
			return errors.Wrapf(err, "watch %s", prev)
		}
		if !exists {
			// 前一个节点在 Children 和 ExistsW 之间被删掉了
			continue
		}
		select {
		case <-watch:
		case <-ctx.Done():
			l.abandon()
			return errors.Wrapf(ctx.Err(), "wait for lock %s", l.dir)
		}
	}
}

// Unlock 删除自己的节点，下一个等待者会收到通知
func (l *DistributedLock) Unlock() error {
	if l.node == "" {
		return errors.New("zookeeper: unlock of unheld lock")
	}
	err := l.conn.Delete(l.node, -1)
	l.node = ""
	if err != nil && !errors.Is(err, zk.ErrNoNode) {
		return errors.Wrap(err, "release lock node")
	}
	return nil
}

func (l *DistributedLock) abandon() {
	_ = l.conn.Delete(l.node, -1)
	l.node = ""
}

// predecessor 返回序号紧挨在 mine 前面的节点名；mine 已经排在最前时返回空串。
// protected 节点名带有随机 GUID 前缀，只能按末尾的序号排序。
func predecessor(children []string, mine string) (string, error) {
	mySeq, err := sequenceOf(mine)
	if err != nil {
		return "", err
	}
	found := false
	prev, prevSeq := "", int64(-1)
	for _, child := range children {
		if child == mine {
			found = true
			continue
		}
		seq, err := sequenceOf(child)
		if err != nil {
			// 不是锁节点
			continue
		}
		if seq < mySeq && seq > prevSeq {
			prev, prevSeq = child, seq
		}
	}
	if !found {
		// 会话过期后临时节点已经被服务端删除
		return "", errors.Errorf("zookeeper: lock node %s is gone", mine)
	}
	return prev, nil
}

func sequenceOf(name string) (int64, error) {
	if len(name) < seqDigits || !strings.Contains(name, nodePrefix) {
		return 0, errors.Errorf("zookeeper: %q is not a lock node", name)
	}
	seq, err := strconv.ParseInt(name[len(name)-seqDigits:], 10, 64)
	return seq, errors.Wrapf(err, "zookeeper: parse sequence of %q", name)
}

// ensurePath 逐级创建持久节点，已存在的节点跳过
func ensurePath(conn *Conn, dir string) error {
	cur := ""
	for _, part := range strings.Split(strings.Trim(dir, "/"), "/") {
		cur += "/" + part
		_, err := conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return errors.Wrapf(err, "create %s", cur)
		}
	}
	return nil
}
