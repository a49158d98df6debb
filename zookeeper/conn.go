package zookeeper

import (
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"
	"github.com/rainyctl/rainy-cloud/logger"
)

// Conn 包装了官方 zk.Conn，可以附加更多应用逻辑
type Conn struct {
	*zk.Conn
}

const connTimeout = 5 * time.Second

// Connect 建立 ZooKeeper 连接，并在后台记录会话状态变化
func Connect(servers []string) (*Conn, error) {
	if len(servers) == 0 || servers[0] == "" {
		return nil, errors.New("zookeeper: no servers configured")
	}

	c, eventChan, err := zk.Connect(servers, connTimeout)
	if err != nil {
		return nil, errors.Wrap(err, "connect zookeeper")
	}

	go func() {
		for event := range eventChan {
			if event.Type != zk.EventSession {
				continue
			}
			switch event.State {
			case zk.StateHasSession:
				logger.Logger.Info().Strs("servers", servers).Msg("zookeeper session established")
			case zk.StateDisconnected:
				logger.Logger.Warn().Msg("disconnected from zookeeper")
			case zk.StateExpired:
				// 会话过期后临时节点全部失效，持有的锁也随之释放
				logger.Logger.Warn().Msg("zookeeper session expired")
			}
		}
	}()

	return &Conn{c}, nil
}
