package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

var RedisClient *redis.Client

// InitRedis initializes the Redis client
func InitRedis() error {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://redis:6379" // Default Redis address for Docker
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return fmt.Errorf("failed to parse Redis URL: %v", err)
	}

	RedisClient = redis.NewClient(opt)

	ctx := context.Background()
	if _, err := RedisClient.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return nil
}

// SetDriverPosition mirrors the latest driver position in Redis so position
// reads during an active ride do not hit Postgres.
func SetDriverPosition(ctx context.Context, phone string, lat, lng float64) error {
	if RedisClient == nil {
		return nil
	}

	positionData := map[string]interface{}{
		"lat":     lat,
		"lng":     lng,
		"updated": time.Now().Unix(),
	}

	data, err := json.Marshal(positionData)
	if err != nil {
		return err
	}

	key := fmt.Sprintf("driver:position:%s", phone)
	return RedisClient.Set(ctx, key, data, time.Hour).Err()
}

// GetDriverPosition retrieves a mirrored driver position from Redis.
func GetDriverPosition(ctx context.Context, phone string) (lat, lng float64, err error) {
	if RedisClient == nil {
		return 0, 0, redis.Nil
	}

	key := fmt.Sprintf("driver:position:%s", phone)
	data, err := RedisClient.Get(ctx, key).Result()
	if err != nil {
		return 0, 0, err
	}

	var positionData map[string]interface{}
	if err := json.Unmarshal([]byte(data), &positionData); err != nil {
		return 0, 0, err
	}

	lat, _ = positionData["lat"].(float64)
	lng, _ = positionData["lng"].(float64)

	return lat, lng, nil
}

// SetDriverAvailability mirrors driver availability in Redis.
func SetDriverAvailability(ctx context.Context, phone string, available bool) error {
	if RedisClient == nil {
		return nil
	}

	key := fmt.Sprintf("driver:availability:%s", phone)
	value := "false"
	if available {
		value = "true"
	}
	return RedisClient.Set(ctx, key, value, time.Hour).Err()
}

// rideUpdateEnvelope is the pub/sub wire format for ride events.
type rideUpdateEnvelope struct {
	ClientPhone string    `json:"clientPhone"`
	DriverPhone string    `json:"driverPhone"`
	Event       RideEvent `json:"event"`
	SentAt      int64     `json:"sentAt"`
}

// BroadcastRideEvent delivers a ride event to both parties. With Redis it
// fans out over pub/sub so every API instance's hub sees it; without Redis
// it degrades to the local hub only.
func BroadcastRideEvent(ctx context.Context, hub *Hub, clientPhone, driverPhone string, event RideEvent) {
	if RedisClient == nil {
		if hub != nil {
			hub.NotifyRideEvent(clientPhone, driverPhone, event)
		}
		return
	}

	env := rideUpdateEnvelope{
		ClientPhone: clientPhone,
		DriverPhone: driverPhone,
		Event:       event,
		SentAt:      time.Now().Unix(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return
	}

	channel := fmt.Sprintf("ride:updates:%d", event.RideID)
	if err := RedisClient.Publish(ctx, channel, data).Err(); err != nil {
		log.Printf("publish ride %d update: %v", event.RideID, err)
		if hub != nil {
			hub.NotifyRideEvent(clientPhone, driverPhone, event)
		}
	}
}

// RelayRideUpdates forwards published ride events to this instance's hub.
// Run it once per process; it returns when ctx is cancelled.
func RelayRideUpdates(ctx context.Context, hub *Hub) {
	if RedisClient == nil {
		return
	}

	sub := RedisClient.PSubscribe(ctx, "ride:updates:*")
	defer sub.Close()

	for msg := range sub.Channel() {
		var env rideUpdateEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			log.Printf("decode ride update: %v", err)
			continue
		}
		hub.NotifyRideEvent(env.ClientPhone, env.DriverPhone, env.Event)
	}
}
