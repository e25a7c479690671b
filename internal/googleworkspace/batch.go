package googleworkspace

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/Mubeen213/saas-risk-scanner-backend/pkg/batch"
	"github.com/Mubeen213/saas-risk-scanner-backend/pkg/client"
)

// directoryBatchCodec speaks the Admin SDK's multipart/mixed batch
// protocol. Each sub-request is an application/http part tagged with a
// Content-ID; the response parts echo the id as "response-<id>" so results
// can be matched back regardless of part order. Decoded bodies are wrapped
// in an envelope naming the entity (idField) so normalization can attribute
// the listing.
type directoryBatchCodec struct {
	step     string
	batchURL string
	pathFor  func(id string) string
	envelope string
	idField  string
}

func (c *directoryBatchCodec) Encode(ids []string) (client.RequestDefinition, error) {
	if len(ids) == 0 {
		return client.RequestDefinition{}, fmt.Errorf("empty batch chunk")
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	for i, id := range ids {
		header := textproto.MIMEHeader{}
		header.Set("Content-Type", "application/http")
		header.Set("Content-ID", fmt.Sprintf("<item-%d>", i))

		part, err := writer.CreatePart(header)
		if err != nil {
			return client.RequestDefinition{}, fmt.Errorf("create batch part for %s: %w", id, err)
		}
		fmt.Fprintf(part, "GET %s HTTP/1.1\r\n\r\n", c.pathFor(id))
	}
	if err := writer.Close(); err != nil {
		return client.RequestDefinition{}, fmt.Errorf("finalize batch body: %w", err)
	}

	header := http.Header{}
	header.Set("Content-Type", "multipart/mixed; boundary="+writer.Boundary())

	return client.RequestDefinition{
		Method: http.MethodPost,
		URL:    c.batchURL,
		Header: header,
		Body:   body.Bytes(),
		Class:  ClassDirectory,
		Step:   c.step,
	}, nil
}

func (c *directoryBatchCodec) Decode(resp *client.Response, ids []string) ([]batch.Result, error) {
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("parse batch content type: %w", err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return nil, fmt.Errorf("unexpected batch content type %s", mediaType)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, fmt.Errorf("batch response missing multipart boundary")
	}

	results := make([]batch.Result, len(ids))
	for i, id := range ids {
		results[i] = batch.Result{
			ID:  id,
			Err: fmt.Errorf("no response part for %s", id),
		}
	}

	reader := multipart.NewReader(bytes.NewReader(resp.Body), boundary)
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read batch part: %w", err)
		}

		index, ok := partIndex(part.Header.Get("Content-ID"))
		if !ok || index < 0 || index >= len(ids) {
			continue
		}

		results[index] = c.decodePart(part, ids[index])
	}

	return results, nil
}

// decodePart parses one embedded HTTP response and wraps its body in the
// entity envelope.
func (c *directoryBatchCodec) decodePart(part *multipart.Part, id string) batch.Result {
	subResp, err := http.ReadResponse(bufio.NewReader(part), nil)
	if err != nil {
		return batch.Result{ID: id, Err: fmt.Errorf("parse sub-response for %s: %w", id, err)}
	}
	defer subResp.Body.Close()

	subBody, err := io.ReadAll(subResp.Body)
	if err != nil {
		return batch.Result{ID: id, Err: fmt.Errorf("read sub-response for %s: %w", id, err)}
	}

	if subResp.StatusCode >= 400 {
		return batch.Result{ID: id, Err: subError(subResp.StatusCode, subBody)}
	}

	// An empty listing arrives as an empty object or no body at all.
	if len(bytes.TrimSpace(subBody)) == 0 {
		subBody = []byte("{}")
	}

	var listing map[string]json.RawMessage
	if err := json.Unmarshal(subBody, &listing); err != nil {
		return batch.Result{ID: id, Err: fmt.Errorf("decode sub-response for %s: %w", id, err)}
	}

	envelope := map[string]json.RawMessage{
		c.idField: mustMarshal(id),
	}
	if items, ok := listing[c.envelope]; ok {
		envelope[c.envelope] = items
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return batch.Result{ID: id, Err: fmt.Errorf("wrap sub-response for %s: %w", id, err)}
	}
	return batch.Result{ID: id, Body: body}
}

// subError classifies one embedded response's failure status. Sub-responses
// never trigger a forced refresh; a 401 is surfaced as a credential failure
// for the caller to act on.
func subError(status int, body []byte) error {
	message := strings.TrimSpace(string(body))
	if len(message) > 200 {
		message = message[:200]
	}
	switch {
	case status == http.StatusUnauthorized:
		return &client.CredentialError{StatusCode: status, Message: message}
	case status == http.StatusTooManyRequests || status >= 500:
		return &client.TransientError{StatusCode: status, Message: message}
	default:
		return &client.PermanentError{StatusCode: status, Message: message}
	}
}

// partIndex recovers the chunk index from a response Content-ID of the
// form "<response-item-N>".
func partIndex(contentID string) (int, bool) {
	contentID = strings.Trim(contentID, "<>")
	contentID = strings.TrimPrefix(contentID, "response-")
	if !strings.HasPrefix(contentID, "item-") {
		return 0, false
	}
	index, err := strconv.Atoi(strings.TrimPrefix(contentID, "item-"))
	if err != nil {
		return 0, false
	}
	return index, true
}

func mustMarshal(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
