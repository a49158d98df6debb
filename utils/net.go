package utils

import (
	"net"

	"github.com/pkg/errors"
)

// GetOutboundIP 获取本机的首选出站 IP 地址，用于向 Nacos 注册实例
func GetOutboundIP() (string, error) {
	// UDP 的 Dial 不会真正发包，只用来让内核选出路由对应的本地地址
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", errors.Wrap(err, "failed to dial to get outbound IP")
	}
	defer conn.Close()

	localAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", errors.Errorf("unexpected local address type %T", conn.LocalAddr())
	}
	return localAddr.IP.String(), nil
}
