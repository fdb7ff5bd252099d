package storage

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/agent-memory/agentmemory/internal/apperr"
	"github.com/agent-memory/agentmemory/internal/model"
)

func topicKey(id string) []byte { return []byte("topic:" + id) }

func (s *Store) PutTopic(t model.Topic) error {
	return s.update(bucketTopics, func(b *bbolt.Bucket) error {
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return b.Put(topicKey(t.TopicID), data)
	})
}

func (s *Store) GetTopic(id string) (model.Topic, error) {
	var t model.Topic
	var found bool
	err := s.view(bucketTopics, func(b *bbolt.Bucket) error {
		data := b.Get(topicKey(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &t)
	})
	if err != nil {
		return model.Topic{}, err
	}
	if !found {
		return model.Topic{}, apperr.NotFound(fmt.Sprintf("topic %s", id))
	}
	return t, nil
}

func (s *Store) ListTopics() ([]model.Topic, error) {
	var out []model.Topic
	err := s.view(bucketTopics, func(b *bbolt.Bucket) error {
		prefixIterate(b, []byte("topic:"), func(k, v []byte) bool {
			var t model.Topic
			if json.Unmarshal(v, &t) == nil {
				out = append(out, t)
			}
			return true
		})
		return nil
	})
	return out, err
}

func topicLinkKey(topicID, nodeID string) []byte {
	return []byte("tl:" + topicID + ":" + nodeID)
}

func topicLinkByNodeKey(nodeID, topicID string) []byte {
	return []byte("tlbynode:" + nodeID + ":" + topicID)
}

func (s *Store) PutTopicLink(l model.TopicLink) error {
	return s.update(bucketTopicLinks, func(b *bbolt.Bucket) error {
		data, err := json.Marshal(l)
		if err != nil {
			return err
		}
		if err := b.Put(topicLinkKey(l.TopicID, l.NodeID), data); err != nil {
			return err
		}
		return b.Put(topicLinkByNodeKey(l.NodeID, l.TopicID), data)
	})
}

func (s *Store) ListTopicLinksByTopic(topicID string) ([]model.TopicLink, error) {
	var out []model.TopicLink
	err := s.view(bucketTopicLinks, func(b *bbolt.Bucket) error {
		prefixIterate(b, []byte("tl:"+topicID+":"), func(k, v []byte) bool {
			var l model.TopicLink
			if json.Unmarshal(v, &l) == nil {
				out = append(out, l)
			}
			return true
		})
		return nil
	})
	return out, err
}

func (s *Store) ListTopicLinksByNode(nodeID string) ([]model.TopicLink, error) {
	var out []model.TopicLink
	err := s.view(bucketTopicLinks, func(b *bbolt.Bucket) error {
		prefixIterate(b, []byte("tlbynode:"+nodeID+":"), func(k, v []byte) bool {
			var l model.TopicLink
			if json.Unmarshal(v, &l) == nil {
				out = append(out, l)
			}
			return true
		})
		return nil
	})
	return out, err
}

func topicRelKey(from, to string, typ model.RelationshipType) []byte {
	return []byte("rel:" + from + ":" + string(typ) + ":" + to)
}

func (s *Store) PutTopicRelationship(r model.TopicRelationship) error {
	return s.update(bucketTopicRels, func(b *bbolt.Bucket) error {
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return b.Put(topicRelKey(r.From, r.To, r.Type), data)
	})
}

func (s *Store) ListTopicRelationships(from string) ([]model.TopicRelationship, error) {
	var out []model.TopicRelationship
	err := s.view(bucketTopicRels, func(b *bbolt.Bucket) error {
		prefixIterate(b, []byte("rel:"+from+":"), func(k, v []byte) bool {
			var r model.TopicRelationship
			if json.Unmarshal(v, &r) == nil {
				out = append(out, r)
			}
			return true
		})
		return nil
	})
	return out, err
}
