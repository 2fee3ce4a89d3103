package poolreg

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/nemosupremo/poolreg/discovery"
	"github.com/samuel/go-zookeeper/zk"
	log "github.com/sirupsen/logrus"
)

const DefaultDiscoveryPath = "/poolreg/servers"

// parseDiscoveryUri splits zk://host1,host2/path or etcd://host1,host2/prefix.
func parseDiscoveryUri(uri string) (string, []string, string, error) {
	if path, err := url.Parse(uri); err == nil {
		switch path.Scheme {
		case "zk", "etcd":
			if path.Host == "" {
				return "", nil, "", fmt.Errorf("No hosts provided for discovery setting.")
			}
			discoveryPath := strings.TrimSuffix(path.Path, "/")
			if discoveryPath == "" {
				discoveryPath = DefaultDiscoveryPath
			} else if discoveryPath[0] != '/' {
				discoveryPath = "/" + discoveryPath
			}
			return path.Scheme, strings.Split(path.Host, ","), discoveryPath, nil
		default:
			return "", nil, "", fmt.Errorf("Invalid scheme %v for discovery setting.", path.Scheme)
		}
	} else {
		return "", nil, "", fmt.Errorf("Invalid uri passed for discovery setting.")
	}
}

func etcdEndpoints(hosts []string) []string {
	endpoints := make([]string, len(hosts))
	for i, h := range hosts {
		if strings.Contains(h, "://") {
			endpoints[i] = h
		} else {
			endpoints[i] = "http://" + h
		}
	}
	return endpoints
}

func connectZookeeper(hosts []string) (*zk.Conn, error) {
	conn, _, err := zk.Connect(zk.FormatServers(hosts), 10*time.Second, zk.WithLogInfo(false), zk.WithLogger(zkLogger{}))
	return conn, err
}

// LookupServers lists the registry servers announced at a discovery uri.
func LookupServers(uri string) ([]discovery.Instance, error) {
	scheme, hosts, path, err := parseDiscoveryUri(uri)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "etcd":
		cli, err := discovery.NewEtcdClient(etcdEndpoints(hosts))
		if err != nil {
			return nil, err
		}
		defer cli.Close()
		return discovery.NewEtcdAnnouncer(cli, path, discovery.Instance{}, 0).Instances()
	default:
		conn, err := connectZookeeper(hosts)
		if err != nil {
			return nil, err
		}
		defer conn.Close()
		return discovery.NewZkAnnouncer(conn, path, discovery.Instance{}).Instances()
	}
}

type zkLogger struct{}

func (z zkLogger) Printf(format string, args ...interface{}) {
	log.Warnf("Zookeeper Client: "+format, args...)
}
