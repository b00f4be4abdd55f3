package storage

import (
	"encoding/json"
	"fmt"

	"github.com/fluxpod/fluxpod/pkg/apierr"
	"github.com/fluxpod/fluxpod/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketNamespaces    = []byte("namespaces")
	bucketContainers    = []byte("containers")
	bucketProcessors    = []byte("processors")
	bucketSecrets       = []byte("secrets")
	bucketVolumes       = []byte("volumes")
	bucketAgentKeys     = []byte("agent_keys")

	// idxActiveContainers and idxActiveProcessors hold id -> nil for every
	// row whose status.status is active. This is the one index spec §4.6
	// calls out explicitly ("indexed on the status.status JSON field");
	// namespace/name, owner_ref, and queue lookups scan their bucket
	// directly, the same way the teacher's GetServiceByName does.
	idxActiveContainers = []byte("idx_active_containers")
	idxActiveProcessors = []byte("idx_active_processors")
)

// BoltStore implements Store on top of go.etcd.io/bbolt.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a bbolt-backed store at path.
// The caller is expected to have created path's parent directory; bbolt
// only creates the file itself.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bolt database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketNamespaces, bucketContainers, bucketProcessors,
			bucketSecrets, bucketVolumes, bucketAgentKeys,
			idxActiveContainers, idxActiveProcessors,
		}
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

// --- Namespaces ---

func (s *BoltStore) CreateNamespace(ns *types.Namespace) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNamespaces)
		if existing := b.Get([]byte(ns.ID)); existing != nil {
			return apierr.Conflict(fmt.Sprintf("namespace %s already exists", ns.ID))
		}
		var conflict bool
		_ = b.ForEach(func(_, v []byte) error {
			var other types.Namespace
			if err := json.Unmarshal(v, &other); err == nil && other.Name == ns.Name {
				conflict = true
			}
			return nil
		})
		if conflict {
			return apierr.Conflict(fmt.Sprintf("namespace name %q already in use", ns.Name))
		}
		data, err := json.Marshal(ns)
		if err != nil {
			return err
		}
		return b.Put([]byte(ns.ID), data)
	})
}

func (s *BoltStore) GetNamespace(id string) (*types.Namespace, error) {
	var ns types.Namespace
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNamespaces).Get([]byte(id))
		if data == nil {
			return apierr.NotFound(fmt.Sprintf("namespace %s not found", id))
		}
		return json.Unmarshal(data, &ns)
	})
	if err != nil {
		return nil, err
	}
	return &ns, nil
}

func (s *BoltStore) GetNamespaceByName(name string) (*types.Namespace, error) {
	var found *types.Namespace
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNamespaces).ForEach(func(_, v []byte) error {
			var ns types.Namespace
			if err := json.Unmarshal(v, &ns); err != nil {
				return err
			}
			if ns.Name == name {
				found = &ns
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, apierr.NotFound(fmt.Sprintf("namespace %q not found", name))
	}
	return found, nil
}

func (s *BoltStore) ListNamespaces() ([]*types.Namespace, error) {
	var out []*types.Namespace
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNamespaces).ForEach(func(_, v []byte) error {
			var ns types.Namespace
			if err := json.Unmarshal(v, &ns); err != nil {
				return err
			}
			out = append(out, &ns)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteNamespace(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNamespaces).Delete([]byte(id))
	})
}

// --- Containers ---

func (s *BoltStore) CreateContainer(c *types.Container) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		if err := ensureUniqueFullName(b, c.ID, c.FullName()); err != nil {
			return err
		}
		return putContainer(tx, c)
	})
}

func (s *BoltStore) GetContainer(id string) (*types.Container, error) {
	var c types.Container
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketContainers).Get([]byte(id))
		if data == nil {
			return apierr.NotFound(fmt.Sprintf("container %s not found", id))
		}
		return json.Unmarshal(data, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) GetContainerByName(namespace, name string) (*types.Container, error) {
	full := namespace + "/" + name
	var found *types.Container
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainers).ForEach(func(_, v []byte) error {
			var c types.Container
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			if c.FullName() == full {
				found = &c
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, apierr.NotFound(fmt.Sprintf("container %s not found", full))
	}
	return found, nil
}

func (s *BoltStore) ListContainers() ([]*types.Container, error) {
	var out []*types.Container
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainers).ForEach(func(_, v []byte) error {
			var c types.Container
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			out = append(out, &c)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListActiveContainers() ([]*types.Container, error) {
	var out []*types.Container
	err := s.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(idxActiveContainers)
		cb := tx.Bucket(bucketContainers)
		return idx.ForEach(func(k, _ []byte) error {
			data := cb.Get(k)
			if data == nil {
				return nil // stale index entry; ignore
			}
			var c types.Container
			if err := json.Unmarshal(data, &c); err != nil {
				return err
			}
			out = append(out, &c)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListContainersByOwnerRef(ownerRef string) ([]*types.Container, error) {
	var out []*types.Container
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainers).ForEach(func(_, v []byte) error {
			var c types.Container
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			if c.OwnerRef == ownerRef {
				out = append(out, &c)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListContainersByQueue(queue string) ([]*types.Container, error) {
	var out []*types.Container
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainers).ForEach(func(_, v []byte) error {
			var c types.Container
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			if c.Queue == queue {
				out = append(out, &c)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateContainer(c *types.Container) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketContainers).Get([]byte(c.ID)) == nil {
			return apierr.NotFound(fmt.Sprintf("container %s not found", c.ID))
		}
		return putContainer(tx, c)
	})
}

func (s *BoltStore) DeleteContainer(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketContainers).Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(idxActiveContainers).Delete([]byte(id))
	})
}

func putContainer(tx *bolt.Tx, c *types.Container) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketContainers).Put([]byte(c.ID), data); err != nil {
		return err
	}

	active := true
	if st, err := c.Status(); err == nil {
		active = st.Status.IsActive()
	}
	idx := tx.Bucket(idxActiveContainers)
	if active {
		return idx.Put([]byte(c.ID), []byte{1})
	}
	return idx.Delete([]byte(c.ID))
}

// --- Processors ---

func (s *BoltStore) CreateProcessor(p *types.Processor) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProcessors)
		if err := ensureUniqueFullName(b, p.ID, p.FullName()); err != nil {
			return err
		}
		return putProcessor(tx, p)
	})
}

func (s *BoltStore) GetProcessor(id string) (*types.Processor, error) {
	var p types.Processor
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketProcessors).Get([]byte(id))
		if data == nil {
			return apierr.NotFound(fmt.Sprintf("processor %s not found", id))
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) GetProcessorByName(namespace, name string) (*types.Processor, error) {
	full := namespace + "/" + name
	var found *types.Processor
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProcessors).ForEach(func(_, v []byte) error {
			var p types.Processor
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.FullName() == full {
				found = &p
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, apierr.NotFound(fmt.Sprintf("processor %s not found", full))
	}
	return found, nil
}

func (s *BoltStore) ListProcessors() ([]*types.Processor, error) {
	var out []*types.Processor
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProcessors).ForEach(func(_, v []byte) error {
			var p types.Processor
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, &p)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListActiveProcessors() ([]*types.Processor, error) {
	var out []*types.Processor
	err := s.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(idxActiveProcessors)
		pb := tx.Bucket(bucketProcessors)
		return idx.ForEach(func(k, _ []byte) error {
			data := pb.Get(k)
			if data == nil {
				return nil
			}
			var p types.Processor
			if err := json.Unmarshal(data, &p); err != nil {
				return err
			}
			out = append(out, &p)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateProcessor(p *types.Processor) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketProcessors).Get([]byte(p.ID)) == nil {
			return apierr.NotFound(fmt.Sprintf("processor %s not found", p.ID))
		}
		return putProcessor(tx, p)
	})
}

func (s *BoltStore) DeleteProcessor(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketProcessors).Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(idxActiveProcessors).Delete([]byte(id))
	})
}

func putProcessor(tx *bolt.Tx, p *types.Processor) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketProcessors).Put([]byte(p.ID), data); err != nil {
		return err
	}

	active := true
	if st, err := p.Status(); err == nil {
		active = st.Status.IsActive()
	}
	idx := tx.Bucket(idxActiveProcessors)
	if active {
		return idx.Put([]byte(p.ID), []byte{1})
	}
	return idx.Delete([]byte(p.ID))
}

// --- Secrets ---

func (s *BoltStore) CreateSecret(sec *types.Secret) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSecrets)
		if err := ensureUniqueFullName(b, sec.ID, sec.FullName()); err != nil {
			return err
		}
		data, err := json.Marshal(sec)
		if err != nil {
			return err
		}
		return b.Put([]byte(sec.ID), data)
	})
}

func (s *BoltStore) GetSecret(id string) (*types.Secret, error) {
	var sec types.Secret
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSecrets).Get([]byte(id))
		if data == nil {
			return apierr.NotFound(fmt.Sprintf("secret %s not found", id))
		}
		return json.Unmarshal(data, &sec)
	})
	if err != nil {
		return nil, err
	}
	return &sec, nil
}

func (s *BoltStore) GetSecretByName(namespace, name string) (*types.Secret, error) {
	full := namespace + "/" + name
	var found *types.Secret
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSecrets).ForEach(func(_, v []byte) error {
			var sec types.Secret
			if err := json.Unmarshal(v, &sec); err != nil {
				return err
			}
			if sec.FullName() == full {
				found = &sec
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, apierr.NotFound(fmt.Sprintf("secret %s not found", full))
	}
	return found, nil
}

func (s *BoltStore) ListSecrets() ([]*types.Secret, error) {
	var out []*types.Secret
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSecrets).ForEach(func(_, v []byte) error {
			var sec types.Secret
			if err := json.Unmarshal(v, &sec); err != nil {
				return err
			}
			out = append(out, &sec)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteSecret(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSecrets).Delete([]byte(id))
	})
}

// --- Volumes ---

func (s *BoltStore) CreateVolume(v *types.Volume) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketVolumes).Put([]byte(v.ID), data)
	})
}

func (s *BoltStore) GetVolumeByOwnerDatacenter(owner, datacenter string) (*types.Volume, error) {
	var found *types.Volume
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVolumes).ForEach(func(_, v []byte) error {
			var vol types.Volume
			if err := json.Unmarshal(v, &vol); err != nil {
				return err
			}
			if vol.Owner == owner && vol.Datacenter == datacenter {
				found = &vol
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, apierr.NotFound(fmt.Sprintf("volume for owner=%s dc=%s not found", owner, datacenter))
	}
	return found, nil
}

func (s *BoltStore) ListVolumes() ([]*types.Volume, error) {
	var out []*types.Volume
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVolumes).ForEach(func(_, v []byte) error {
			var vol types.Volume
			if err := json.Unmarshal(v, &vol); err != nil {
				return err
			}
			out = append(out, &vol)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteVolume(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVolumes).Delete([]byte(id))
	})
}

// --- Agent keys ---

func (s *BoltStore) CreateAgentKey(k *types.AgentKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(k)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketAgentKeys).Put([]byte(k.ID), data)
	})
}

func (s *BoltStore) GetAgentKeyByContainer(containerID string) (*types.AgentKey, error) {
	var found *types.AgentKey
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgentKeys).ForEach(func(_, v []byte) error {
			var k types.AgentKey
			if err := json.Unmarshal(v, &k); err != nil {
				return err
			}
			if k.ContainerID == containerID {
				found = &k
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, apierr.NotFound(fmt.Sprintf("agent key for container %s not found", containerID))
	}
	return found, nil
}

func (s *BoltStore) DeleteAgentKey(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgentKeys).Delete([]byte(id))
	})
}

// ensureUniqueFullName rejects a create when another row in b already uses
// fullName, implementing spec §3's "full_name is unique per (kind,
// namespace, name)" invariant (spec §8 invariant 7).
func ensureUniqueFullName(b *bolt.Bucket, id, fullName string) error {
	if b.Get([]byte(id)) != nil {
		return apierr.Conflict(fmt.Sprintf("resource %s already exists", id))
	}
	var conflict bool
	_ = b.ForEach(func(_, v []byte) error {
		var meta types.ResourceMeta
		if err := json.Unmarshal(v, &meta); err == nil && meta.FullName() == fullName {
			conflict = true
		}
		return nil
	})
	if conflict {
		return apierr.Conflict(fmt.Sprintf("%q already exists", fullName))
	}
	return nil
}
