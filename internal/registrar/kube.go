package registrar

import (
	"context"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"

	"github.com/guimove/fleetfit/internal/model"
)

const (
	managedByLabel = "app.kubernetes.io/managed-by"
	managedByValue = "fleetfit"
	regionLabel    = "fleetfit.io/region"
	addressKey     = "address"
	recordKey      = "record.json"
	maxNameLength  = 253
)

// KubeStore keeps one ConfigMap per instance in a namespace. The version token is
// the ConfigMap's resourceVersion and the API server enforces it on writes.
type KubeStore struct {
	client    kubernetes.Interface
	namespace string
	region    string
}

// NewKubeStore uses client for all calls.
func NewKubeStore(client kubernetes.Interface, namespace, region string) *KubeStore {
	if namespace == "" {
		namespace = "default"
	}
	return &KubeStore{client: client, namespace: namespace, region: region}
}

func (s *KubeStore) Create(ctx context.Context, rec *model.InstanceRecord) (string, error) {
	cm, err := s.configMap(rec)
	if err != nil {
		return "", err
	}
	created, err := s.client.CoreV1().ConfigMaps(s.namespace).Create(ctx, cm, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return "", ErrDuplicateInstance
	}
	if err != nil {
		return "", fmt.Errorf("creating configmap %s: %w", cm.Name, err)
	}
	return created.ResourceVersion, nil
}

func (s *KubeStore) Get(ctx context.Context, address string) (*model.InstanceRecord, error) {
	name := s.name(address)
	cm, err := s.client.CoreV1().ConfigMaps(s.namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting configmap %s: %w", name, err)
	}
	return fromConfigMap(cm)
}

func (s *KubeStore) List(ctx context.Context) ([]*model.InstanceRecord, error) {
	selector := labels.SelectorFromSet(labels.Set{
		managedByLabel: managedByValue,
		regionLabel:    s.region,
	})
	list, err := s.client.CoreV1().ConfigMaps(s.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: selector.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("listing configmaps: %w", err)
	}
	records := make([]*model.InstanceRecord, 0, len(list.Items))
	for i := range list.Items {
		rec, err := fromConfigMap(&list.Items[i])
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *KubeStore) Update(ctx context.Context, rec *model.InstanceRecord) (string, error) {
	// An empty resourceVersion would make the write unconditional.
	if rec.Version == "" {
		return "", ErrConflict
	}
	cm, err := s.configMap(rec)
	if err != nil {
		return "", err
	}
	cm.ResourceVersion = rec.Version
	updated, err := s.client.CoreV1().ConfigMaps(s.namespace).Update(ctx, cm, metav1.UpdateOptions{})
	switch {
	case apierrors.IsConflict(err):
		return "", ErrConflict
	case apierrors.IsNotFound(err):
		return "", ErrNotFound
	case err != nil:
		return "", fmt.Errorf("updating configmap %s: %w", cm.Name, err)
	}
	return updated.ResourceVersion, nil
}

func (s *KubeStore) Delete(ctx context.Context, address, version string) error {
	if version == "" {
		return ErrConflict
	}
	name := s.name(address)
	err := s.client.CoreV1().ConfigMaps(s.namespace).Delete(ctx, name, metav1.DeleteOptions{
		Preconditions: &metav1.Preconditions{ResourceVersion: &version},
	})
	switch {
	case apierrors.IsConflict(err):
		return ErrConflict
	case apierrors.IsNotFound(err):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("deleting configmap %s: %w", name, err)
	}
	return nil
}

func (s *KubeStore) Close() error {
	return nil
}

func (s *KubeStore) configMap(rec *model.InstanceRecord) (*corev1.ConfigMap, error) {
	body, err := encodeRecord(rec)
	if err != nil {
		return nil, err
	}
	return &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      s.name(rec.Address),
			Namespace: s.namespace,
			Labels: map[string]string{
				managedByLabel: managedByValue,
				regionLabel:    s.region,
			},
		},
		Data: map[string]string{
			addressKey: rec.Address,
			recordKey:  string(body),
		},
	}, nil
}

// name derives a valid object name from region and address. Addresses are not
// always DNS-safe, so the sanitized form is suffixed with a hash of the original.
func (s *KubeStore) name(address string) string {
	suffix := fmt.Sprintf("-%08x", uint32(xxhash.Sum64String(s.region+"/"+address)))

	base := sanitizeName("fleetfit-" + s.region + "-" + address)
	if limit := maxNameLength - len(suffix); len(base) > limit {
		base = strings.TrimRight(base[:limit], "-.")
	}
	return base + suffix
}

func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

func fromConfigMap(cm *corev1.ConfigMap) (*model.InstanceRecord, error) {
	body, ok := cm.Data[recordKey]
	if !ok {
		return nil, fmt.Errorf("configmap %s has no %s", cm.Name, recordKey)
	}
	rec, err := decodeRecord([]byte(body), cm.ResourceVersion)
	if err != nil {
		return nil, fmt.Errorf("configmap %s: %w", cm.Name, err)
	}
	return rec, nil
}
