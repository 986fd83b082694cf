package models

import (
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/google/uuid"
)

/**
LeaderLease is an explicit leases-in-the-store replacement for relying on a
process-local "I am the active host" flag. One process per role holds the
lease at a time; holders must heartbeat to keep it, and a crashed holder's
lease simply expires.
*/
type LeaderLease struct {
	role     string
	holderId string
	ttl      time.Duration
	client   redis.Cmdable
}

func keyForLease(role string) string {
	return fmt.Sprintf("harbormaster:leader:%s", role)
}

func NewLeaderLease(role string, ttl time.Duration, client redis.Cmdable) *LeaderLease {
	return &LeaderLease{
		role:     role,
		holderId: uuid.New().String(),
		ttl:      ttl,
		client:   client,
	}
}

/**
try to take the lease. Returns true if this process now holds it.
*/
func (l *LeaderLease) Acquire() (bool, error) {
	acquired, err := l.client.SetNX(keyForLease(l.role), l.holderId, l.ttl).Result()
	if err != nil {
		log.Printf("Could not acquire leader lease for %s: %s", l.role, err)
		return false, err
	}
	return acquired, nil
}

/**
check whether this process is the current holder
*/
func (l *LeaderLease) Held() (bool, error) {
	holder, err := l.client.Get(keyForLease(l.role)).Result()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		log.Printf("Could not check leader lease for %s: %s", l.role, err)
		return false, err
	}
	return holder == l.holderId, nil
}

/**
extend the lease if still held by this process
*/
func (l *LeaderLease) Heartbeat() error {
	held, checkErr := l.Held()
	if checkErr != nil {
		return checkErr
	}
	if !held {
		return fmt.Errorf("lease for %s is no longer held by this process", l.role)
	}
	_, err := l.client.Expire(keyForLease(l.role), l.ttl).Result()
	return err
}

func (l *LeaderLease) Release() {
	held, checkErr := l.Held()
	if checkErr != nil || !held {
		return
	}
	l.client.Del(keyForLease(l.role))
}

/**
run acquire/heartbeat attempts on the given interval until the shutdown
channel closes. Callers poll Held() to decide whether to act as leader.
*/
func (l *LeaderLease) Maintain(interval time.Duration, shutdownChan chan bool) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ticker.C:
				held, _ := l.Held()
				if held {
					heartbeatErr := l.Heartbeat()
					if heartbeatErr != nil {
						log.Printf("WARNING: Lost leader lease for %s: %s", l.role, heartbeatErr)
					}
				} else {
					l.Acquire()
				}
			case <-shutdownChan:
				ticker.Stop()
				l.Release()
				return
			}
		}
	}()
}
