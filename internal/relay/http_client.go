package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pion/logging"

	"groupcrypt/internal/domain"
	"groupcrypt/internal/domain/types"
)

// stateTimeout bounds room state lookups made on behalf of RoomState methods,
// which take no context.
const stateTimeout = 10 * time.Second

// HTTPClient is one device's connection to a relay served by Handler.
type HTTPClient struct {
	Base   string
	HTTP   *http.Client
	Device domain.DeviceKey
	log    logging.LeveledLogger
}

// NewHTTPClient returns a client for device against the relay at base.
func NewHTTPClient(base string, device domain.DeviceKey, hc *http.Client, lf logging.LoggerFactory) *HTTPClient {
	if hc == nil {
		hc = http.DefaultClient
	}
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	return &HTTPClient{
		Base:   strings.TrimRight(base, "/"),
		HTTP:   hc,
		Device: device,
		log:    lf.NewLogger("relay-client"),
	}
}

func (c *HTTPClient) UploadKeys(ctx context.Context, device domain.DeviceInfo, otks []domain.SignedOneTimeKey) error {
	return c.do(ctx, http.MethodPost, "/v1/keys/upload", uploadRequest{Device: device, OneTimeKeys: otks}, nil)
}

func (c *HTTPClient) QueryKeys(ctx context.Context, users []domain.UserID) (map[domain.UserID][]domain.DeviceInfo, error) {
	var out map[domain.UserID][]domain.DeviceInfo
	if err := c.do(ctx, http.MethodPost, "/v1/keys/query", queryRequest{Users: users}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ClaimOneTimeKeys claims one key per device. Servers the relay could not
// reach come back in Failures; a failed request fails every server asked.
func (c *HTTPClient) ClaimOneTimeKeys(
	ctx context.Context,
	devices []domain.DeviceKey,
	timeout time.Duration,
) (domain.ClaimResult, error) {
	var out claimResponse
	req := claimRequest{Devices: devices, TimeoutMS: timeout.Milliseconds()}
	if err := c.do(ctx, http.MethodPost, "/v1/keys/claim", req, &out); err != nil {
		return domain.ClaimResult{}, err
	}
	res := domain.ClaimResult{
		Keys:     out.OneTimeKeys,
		Failures: make(map[string]error, len(out.Failures)),
	}
	if res.Keys == nil {
		res.Keys = make(map[domain.DeviceKey]domain.SignedOneTimeKey)
	}
	for server, msg := range out.Failures {
		res.Failures[server] = errors.New(msg)
	}
	return res, nil
}

// SendToDevice delivers one message per device. A DeviceID of "*" addresses
// every other device of that user.
func (c *HTTPClient) SendToDevice(ctx context.Context, eventType string, messages map[domain.DeviceKey]any) error {
	req := sendRequest{Messages: make(map[domain.DeviceKey]json.RawMessage, len(messages))}
	for to, content := range messages {
		raw, err := json.Marshal(content)
		if err != nil {
			return fmt.Errorf("encode %s for %s: %w", eventType, to, err)
		}
		req.Messages[to] = raw
	}
	return c.do(ctx, http.MethodPut, c.devicePath("/send/"+url.PathEscape(eventType)), req, nil)
}

// Receive drains the device's to-device queue.
func (c *HTTPClient) Receive(ctx context.Context) ([]domain.ToDeviceEvent, error) {
	var out []domain.ToDeviceEvent
	if err := c.do(ctx, http.MethodGet, c.devicePath("/inbox"), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PostRoomEvent appends an encrypted event to the room timeline.
func (c *HTTPClient) PostRoomEvent(ctx context.Context, room domain.RoomID, content domain.MegolmEncryptedContent) (domain.EncryptedEvent, error) {
	var out domain.EncryptedEvent
	req := postEventRequest{Sender: c.Device.UserID, Content: content}
	err := c.do(ctx, http.MethodPost, roomPath(room, "/events"), req, &out)
	return out, err
}

// RoomEvents returns the room timeline from position since.
func (c *HTTPClient) RoomEvents(ctx context.Context, room domain.RoomID, since int) ([]domain.EncryptedEvent, error) {
	var out []domain.EncryptedEvent
	path := roomPath(room, "/events") + "?since=" + strconv.Itoa(since)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateRoom creates a room with this device's user joined.
func (c *HTTPClient) CreateRoom(ctx context.Context, room domain.RoomID, visibility domain.HistoryVisibility) error {
	req := createRoomRequest{RoomID: room, Creator: c.Device.UserID, Visibility: visibility}
	return c.do(ctx, http.MethodPost, "/v1/rooms", req, nil)
}

// Invite invites user on behalf of this device's user.
func (c *HTTPClient) Invite(ctx context.Context, room domain.RoomID, user domain.UserID) error {
	req := membershipRequest{User: user, Inviter: c.Device.UserID}
	return c.do(ctx, http.MethodPost, roomPath(room, "/invite"), req, nil)
}

// Join joins this device's user to the room.
func (c *HTTPClient) Join(ctx context.Context, room domain.RoomID) error {
	return c.do(ctx, http.MethodPost, roomPath(room, "/join"), membershipRequest{User: c.Device.UserID}, nil)
}

// Leave removes this device's user from the room.
func (c *HTTPClient) Leave(ctx context.Context, room domain.RoomID) error {
	return c.do(ctx, http.MethodPost, roomPath(room, "/leave"), membershipRequest{User: c.Device.UserID}, nil)
}

// SetHistoryVisibility changes the room's history visibility.
func (c *HTTPClient) SetHistoryVisibility(ctx context.Context, room domain.RoomID, v domain.HistoryVisibility) error {
	return c.do(ctx, http.MethodPut, roomPath(room, "/history_visibility"), visibilityRequest{Visibility: v}, nil)
}

func (c *HTTPClient) roomState(ctx context.Context, room domain.RoomID) (roomState, error) {
	var out roomState
	path := roomPath(room, "/state") + "?user=" + url.QueryEscape(string(c.Device.UserID))
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *HTTPClient) devicePath(suffix string) string {
	return "/v1/devices/" + url.PathEscape(string(c.Device.UserID)) + "/" + url.PathEscape(string(c.Device.DeviceID)) + suffix
}

func roomPath(room domain.RoomID, suffix string) string {
	return "/v1/rooms/" + url.PathEscape(string(room)) + suffix
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(in); err != nil {
			return err
		}
		body = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, c.Base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("relay %s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// HTTPRoomView is RoomState backed by the relay. The blacklist-unverified
// setting is local to the device.
type HTTPRoomView struct {
	client *HTTPClient

	mu        sync.Mutex
	blacklist map[domain.RoomID]bool
}

// Rooms returns the device's view of room state.
func (c *HTTPClient) Rooms() *HTTPRoomView {
	return &HTTPRoomView{client: c, blacklist: make(map[domain.RoomID]bool)}
}

func (v *HTTPRoomView) state(room domain.RoomID) roomState {
	ctx, cancel := context.WithTimeout(context.Background(), stateTimeout)
	defer cancel()
	st, err := v.client.roomState(ctx, room)
	if err != nil {
		v.client.log.Warnf("[%s] room state: %v", room, err)
		return roomState{Visibility: types.VisibilityJoined}
	}
	return st
}

// SetBlacklistUnverified sets whether keys are withheld from unverified
// devices in room.
func (v *HTTPRoomView) SetBlacklistUnverified(room domain.RoomID, on bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.blacklist[room] = on
}

func (v *HTTPRoomView) BlacklistUnverified(room domain.RoomID) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.blacklist[room]
}

func (v *HTTPRoomView) HistoryVisibility(room domain.RoomID) domain.HistoryVisibility {
	return v.state(room).Visibility
}

func (v *HTTPRoomView) IsKnownRoom(room domain.RoomID) bool { return v.state(room).Known }

func (v *HTTPRoomView) InviterOf(room domain.RoomID) (domain.UserID, bool) {
	st := v.state(room)
	return st.Inviter, st.Inviter != ""
}

func (v *HTTPRoomView) EncryptionTargetMembers(ctx context.Context, room domain.RoomID) ([]domain.UserID, error) {
	st, err := v.client.roomState(ctx, room)
	if err != nil {
		return nil, err
	}
	return st.Targets, nil
}

var (
	_ domain.KeyDirectory      = (*HTTPClient)(nil)
	_ domain.OneTimeKeyClaimer = (*HTTPClient)(nil)
	_ domain.ToDeviceSender    = (*HTTPClient)(nil)
	_ domain.RoomState         = (*HTTPRoomView)(nil)
)
