// Package rpcclient implements storage.Capability by talking newline-
// delimited JSON requests/responses over a Unix domain socket to an
// out-of-process MTProto helper. It is the engines' only dependency on
// how that helper is reached; the wire protocol to Telegram itself stays
// entirely on the other side of the socket.
package rpcclient

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"net"
	"time"

	"github.com/uplo-tech/errors"

	"github.com/televybackup/televybackup/internal/storage"
)

// Client is a storage.Capability backed by one Unix socket, dialed fresh
// for every call. The helper process is expected to be a long-running
// daemon listening on sockPath.
type Client struct {
	sockPath string
	dialer   net.Dialer
}

// New returns a Client that dials sockPath for every RPC.
func New(sockPath string) *Client {
	return &Client{sockPath: sockPath}
}

type request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type response struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

// call dials sockPath, writes one request line, and reads one response
// line, honoring ctx's deadline for the whole round trip.
func (c *Client) call(ctx context.Context, method string, params, result interface{}) error {
	conn, err := c.dialer.DialContext(ctx, "unix", c.sockPath)
	if err != nil {
		return errors.AddContext(err, "rpcclient: unable to dial mtproto helper socket")
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return errors.AddContext(err, "rpcclient: unable to marshal request params")
	}
	if err := json.NewEncoder(conn).Encode(request{Method: method, Params: paramsJSON}); err != nil {
		return errors.AddContext(err, "rpcclient: unable to write request")
	}

	var resp response
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&resp); err != nil {
		return errors.AddContext(err, "rpcclient: unable to read response")
	}
	if resp.Error != "" {
		return classifyRPCError(resp.Error)
	}
	if result == nil {
		return nil
	}
	return json.Unmarshal(resp.Result, result)
}

type uploadDocumentParams struct {
	Peer string `json:"peer"`
	Data string `json:"data"` // base64-encoded
}

type uploadDocumentResult struct {
	ObjectID string `json:"object_id"`
}

// UploadDocument implements storage.Capability. The helper, not this
// client, is responsible for emitting the 30s upload heartbeats;
// this client's single call blocks until the helper's final response.
func (c *Client) UploadDocument(ctx context.Context, peer string, data []byte, progress func(sent int64)) (storage.ObjectID, error) {
	var res uploadDocumentResult
	params := uploadDocumentParams{Peer: peer, Data: base64.StdEncoding.EncodeToString(data)}
	if err := c.call(ctx, "upload_document", params, &res); err != nil {
		return storage.ObjectID{}, err
	}
	if progress != nil {
		progress(int64(len(data)))
	}
	return storage.ParseObjectID(res.ObjectID)
}

type downloadDocumentParams struct {
	ObjectID string `json:"object_id"`
}

type downloadDocumentResult struct {
	Data string `json:"data"` // base64-encoded
}

// DownloadDocument implements storage.Capability.
func (c *Client) DownloadDocument(ctx context.Context, id storage.ObjectID) ([]byte, error) {
	var res downloadDocumentResult
	params := downloadDocumentParams{ObjectID: id.String()}
	if err := c.call(ctx, "download_document", params, &res); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(res.Data)
}

type setPinnedObjectIDParams struct {
	Peer     string `json:"peer"`
	ObjectID string `json:"object_id"`
}

// SetPinnedObjectID implements storage.Capability.
func (c *Client) SetPinnedObjectID(ctx context.Context, peer string, id storage.ObjectID) error {
	return c.call(ctx, "set_pinned_object_id", setPinnedObjectIDParams{Peer: peer, ObjectID: id.String()}, nil)
}

type getPinnedObjectIDParams struct {
	Peer string `json:"peer"`
}

type getPinnedObjectIDResult struct {
	ObjectID string `json:"object_id"`
	OK       bool   `json:"ok"`
}

// GetPinnedObjectID implements storage.Capability.
func (c *Client) GetPinnedObjectID(ctx context.Context, peer string) (storage.ObjectID, bool, error) {
	var res getPinnedObjectIDResult
	if err := c.call(ctx, "get_pinned_object_id", getPinnedObjectIDParams{Peer: peer}, &res); err != nil {
		return storage.ObjectID{}, false, err
	}
	if !res.OK {
		return storage.ObjectID{}, false, nil
	}
	id, err := storage.ParseObjectID(res.ObjectID)
	if err != nil {
		return storage.ObjectID{}, false, err
	}
	return id, true, nil
}

type validateParams struct {
	Peer string `json:"peer"`
}

// Validate implements storage.Capability.
func (c *Client) Validate(ctx context.Context, peer string) error {
	return c.call(ctx, "validate", validateParams{Peer: peer}, nil)
}

type waitChatParams struct {
	EndpointID string `json:"endpoint_id"`
	TimeoutMs  int64  `json:"timeout_ms"`
}

type waitChatResult struct {
	Kind     string `json:"kind"`
	ChatID   string `json:"chat_id"`
	Username string `json:"username"`
}

// WaitChat implements storage.Capability.
func (c *Client) WaitChat(ctx context.Context, endpointID string, timeout time.Duration) (storage.ChatRef, error) {
	var res waitChatResult
	params := waitChatParams{EndpointID: endpointID, TimeoutMs: timeout.Milliseconds()}
	if err := c.call(ctx, "wait_chat", params, &res); err != nil {
		return storage.ChatRef{}, err
	}
	return storage.ChatRef{Kind: res.Kind, ChatID: res.ChatID, Username: res.Username}, nil
}

// classifyRPCError turns the helper's error string into storage.ErrPinForbidden
// when recognizable, and a plain error otherwise; errtaxonomy.Classify on the
// caller's side reclassifies by message where needed.
func classifyRPCError(msg string) error {
	if msg == storage.ErrPinForbidden.Error() {
		return storage.ErrPinForbidden
	}
	return errors.New("rpcclient: mtproto helper: " + msg)
}
