package etcd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/client/pkg/v3/srv"
	"go.etcd.io/etcd/client/pkg/v3/transport"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/yowenter/fleetd/pkg/store"
	model "github.com/yowenter/fleetd/pkg/types"
)

var (
	clientTimeout    = 10 * time.Second
	keepaliveTime    = 30 * time.Second
	keepaliveTimeout = 10 * time.Second
)

type EtcdClient struct {
	client *clientv3.Client
}

func NewEtcdV3Client(config *model.EtcdOption) (*EtcdClient, error) {
	if config.EtcdEndpoints != "" && config.EtcdDiscoverySrv != "" {
		log.Warning("Multiple etcd endpoint discovery methods specified in etcdv3 API config")
		return nil, errors.New("multiple discovery or bootstrap options specified, use either \"etcdEndpoints\" or \"etcdDiscoverySrv\"")
	}

	// Split the endpoints into a location slice.
	var etcdLocation []string
	if config.EtcdEndpoints != "" {
		etcdLocation = strings.Split(config.EtcdEndpoints, ",")
	}

	if config.EtcdDiscoverySrv != "" {
		srvs, srvErr := srv.GetClient("etcd-client", config.EtcdDiscoverySrv, "")
		if srvErr != nil {
			return nil, fmt.Errorf("failed to discover etcd endpoints through SRV discovery: %v", srvErr)
		}
		etcdLocation = srvs.Endpoints
	}

	if len(etcdLocation) == 0 {
		log.Warning("No etcd endpoints specified in etcdv3 API config")
		return nil, errors.New("no etcd endpoints specified")
	}

	tlsInfo := &transport.TLSInfo{
		TrustedCAFile: config.EtcdCACertFile,
		CertFile:      config.EtcdCertFile,
		KeyFile:       config.EtcdKeyFile,
	}
	tls, err := tlsInfo.ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("could not initialize etcdv3 client: %+v", err)
	}

	cfg := clientv3.Config{
		Endpoints:            etcdLocation,
		TLS:                  tls,
		DialTimeout:          clientTimeout,
		DialKeepAliveTime:    keepaliveTime,
		DialKeepAliveTimeout: keepaliveTimeout,
	}

	// Plumb through the username and password if both are configured.
	if config.EtcdUsername != "" && config.EtcdPassword != "" {
		cfg.Username = config.EtcdUsername
		cfg.Password = config.EtcdPassword
	}

	client, err := clientv3.New(cfg)
	if err != nil {
		return nil, err
	}

	timeoutCtx, cancel := context.WithTimeout(context.Background(), clientTimeout)
	defer cancel()
	_, err = client.Status(timeoutCtx, etcdLocation[0])
	if err != nil {
		client.Close()
		return nil, err
	}

	return &EtcdClient{client: client}, nil
}

func (c *EtcdClient) Create(ctx context.Context, d *model.KVPair) (*model.KVPair, error) {
	logCxt := log.WithFields(log.Fields{"model-etcdKey": d.Key})

	// Version 0 means the key does not exist yet.
	logCxt.Debug("Performing etcdv3 transaction for Create request")
	txnResp, err := c.client.Txn(ctx).If(
		clientv3.Compare(clientv3.Version(d.Key), "=", 0),
	).Then(
		clientv3.OpPut(d.Key, d.Value),
	).Else(
		clientv3.OpGet(d.Key),
	).Commit()
	if err != nil {
		logCxt.WithError(err).Warning("Create failed")
		return nil, err
	}

	if !txnResp.Succeeded {
		logCxt.Warn("Create transaction failed due to resource already existing")
		var existing *model.KVPair
		if len(txnResp.Responses) != 0 {
			getResp := (*clientv3.GetResponse)(txnResp.Responses[0].GetResponseRange())
			if len(getResp.Kvs) != 0 {
				existing = etcdToKVPair(getResp.Kvs[0])
			}
		}
		return existing, store.ErrAlreadyExists
	}

	return &model.KVPair{Key: d.Key, Value: d.Value, Revision: txnResp.Header.Revision}, nil
}

func (c *EtcdClient) Get(ctx context.Context, key string) (*model.KVPair, error) {
	logCxt := log.WithFields(log.Fields{"model-etcdKey": key})

	logCxt.Debug("Calling Get on etcdv3 client")
	resp, err := c.client.Get(ctx, key)
	if err != nil {
		logCxt.WithError(err).Debug("Error returned from etcdv3 client")
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		logCxt.Debug("No results returned from etcdv3 client")
		return nil, store.ErrNotFound
	}

	return etcdToKVPair(resp.Kvs[0]), nil
}

func (c *EtcdClient) List(ctx context.Context, prefix string) (*model.KVPairList, error) {
	logCxt := log.WithField("etcdv3-etcdKey", prefix)

	resp, err := c.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		logCxt.WithError(err).Debug("Error returned from etcdv3 client")
		return nil, err
	}
	logCxt.WithField("numResults", len(resp.Kvs)).Debug("Processing response from etcdv3")

	list := make([]*model.KVPair, 0, len(resp.Kvs))
	for _, p := range resp.Kvs {
		list = append(list, etcdToKVPair(p))
	}

	return &model.KVPairList{
		KVPairs:  list,
		Revision: resp.Header.Revision,
	}, nil
}

// Update writes d only if the key's ModRevision still equals d.Revision.
func (c *EtcdClient) Update(ctx context.Context, d *model.KVPair) (*model.KVPair, error) {
	logCxt := log.WithFields(log.Fields{"model-etcdKey": d.Key, "rev": d.Revision})

	logCxt.Debug("Performing etcdv3 transaction for Update request")
	txnResp, err := c.client.Txn(ctx).If(
		clientv3.Compare(clientv3.ModRevision(d.Key), "=", d.Revision),
	).Then(
		clientv3.OpPut(d.Key, d.Value),
	).Else(
		clientv3.OpGet(d.Key),
	).Commit()
	if err != nil {
		logCxt.WithError(err).Warning("Update failed")
		return nil, err
	}

	// Etcd V3 does not return an error when compare condition fails we must verify the
	// response Succeeded field instead.
	if !txnResp.Succeeded {
		if len(txnResp.Responses) == 0 {
			return nil, store.ErrVersionMismatch
		}
		getResp := (*clientv3.GetResponse)(txnResp.Responses[0].GetResponseRange())
		if len(getResp.Kvs) == 0 {
			logCxt.Debug("Update transaction failed due to resource not existing")
			return nil, store.ErrNotFound
		}

		logCxt.Warn("Update transaction failed due to resource update conflict")
		return etcdToKVPair(getResp.Kvs[0]), store.ErrVersionMismatch
	}

	return &model.KVPair{Key: d.Key, Value: d.Value, Revision: txnResp.Header.Revision}, nil
}

func (c *EtcdClient) Save(ctx context.Context, data model.KeyData) (*model.KVPair, error) {
	return store.Save(ctx, c, data)
}

func (c *EtcdClient) Close() error {
	return c.client.Close()
}

// etcdToKVPair converts an etcd KeyValue in to model.KVPair.
func etcdToKVPair(ekv *mvccpb.KeyValue) *model.KVPair {
	return &model.KVPair{
		Key:      string(ekv.Key),
		Value:    string(ekv.Value),
		Revision: ekv.ModRevision,
	}
}

func (c *EtcdClient) Client() *clientv3.Client {
	return c.client
}
