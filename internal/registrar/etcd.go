package registrar

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/guimove/fleetfit/internal/model"
)

// EtcdStore keeps one key per instance under "<prefix><region>/<address>". The
// version token is the key's mod revision, so every write is a transaction
// comparing it.
type EtcdStore struct {
	client *clientv3.Client
	prefix string
}

// NewEtcdStore dials the cluster.
func NewEtcdStore(endpoints []string, dialTimeout time.Duration, keyPrefix, region string) (*EtcdStore, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to etcd: %w", err)
	}
	return newEtcdStore(cli, keyPrefix, region), nil
}

func newEtcdStore(cli *clientv3.Client, keyPrefix, region string) *EtcdStore {
	if keyPrefix == "" {
		keyPrefix = "/fleetfit/"
	}
	if !strings.HasSuffix(keyPrefix, "/") {
		keyPrefix += "/"
	}
	return &EtcdStore{client: cli, prefix: keyPrefix + region + "/"}
}

func (s *EtcdStore) key(address string) string {
	return s.prefix + address
}

func (s *EtcdStore) Create(ctx context.Context, rec *model.InstanceRecord) (string, error) {
	body, err := encodeRecord(rec)
	if err != nil {
		return "", err
	}
	key := s.key(rec.Address)
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(body))).
		Commit()
	if err != nil {
		return "", fmt.Errorf("etcd create %s: %w", key, err)
	}
	if !resp.Succeeded {
		return "", ErrDuplicateInstance
	}
	return strconv.FormatInt(resp.Header.Revision, 10), nil
}

func (s *EtcdStore) Get(ctx context.Context, address string) (*model.InstanceRecord, error) {
	resp, err := s.client.Get(ctx, s.key(address))
	if err != nil {
		return nil, fmt.Errorf("etcd get: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNotFound
	}
	kv := resp.Kvs[0]
	return decodeRecord(kv.Value, strconv.FormatInt(kv.ModRevision, 10))
}

func (s *EtcdStore) List(ctx context.Context) ([]*model.InstanceRecord, error) {
	resp, err := s.client.Get(ctx, s.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd list: %w", err)
	}
	records := make([]*model.InstanceRecord, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		rec, err := decodeRecord(kv.Value, strconv.FormatInt(kv.ModRevision, 10))
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", kv.Key, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *EtcdStore) Update(ctx context.Context, rec *model.InstanceRecord) (string, error) {
	body, err := encodeRecord(rec)
	if err != nil {
		return "", err
	}
	resp, err := s.conditional(ctx, rec.Address, rec.Version, clientv3.OpPut(s.key(rec.Address), string(body)))
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(resp.Header.Revision, 10), nil
}

func (s *EtcdStore) Delete(ctx context.Context, address, version string) error {
	_, err := s.conditional(ctx, address, version, clientv3.OpDelete(s.key(address)))
	return err
}

func (s *EtcdStore) Close() error {
	return s.client.Close()
}

// conditional runs op only if the key's mod revision equals version. On failure
// the else branch reads the key to tell a conflict from a deletion.
func (s *EtcdStore) conditional(ctx context.Context, address, version string, op clientv3.Op) (*clientv3.TxnResponse, error) {
	rev, err := strconv.ParseInt(version, 10, 64)
	if err != nil {
		return nil, ErrConflict
	}
	key := s.key(address)
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
		Then(op).
		Else(clientv3.OpGet(key, clientv3.WithCountOnly())).
		Commit()
	if err != nil {
		return nil, fmt.Errorf("etcd txn on %s: %w", key, err)
	}
	if !resp.Succeeded {
		if len(resp.Responses) > 0 {
			if r := resp.Responses[0].GetResponseRange(); r != nil && r.Count == 0 {
				return nil, ErrNotFound
			}
		}
		return nil, ErrConflict
	}
	return resp, nil
}
