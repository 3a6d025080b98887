// Package gsa drives the search appliance's admin console on behalf of
// the config signing core. The console is a classic HTML form
// application behind /EnterpriseController; every operation here is a
// form GET/POST plus a handful of fixed regexes over the response.
package gsa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/textproto"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mccnet/gsadmin/internal/gsaconfig"
)

var (
	// Pre-7.2 consoles render the classic home banner after login; 7.2
	// and newer answer with a JSON-ish blob behind an anti-XSSI prefix.
	homeRe = regexp.MustCompile(`Google Search Appliance\s*&gt;\s*Home`)
	xsrfRe = regexp.MustCompile(`"xsrf": \[null,"security_token","`)

	tokenRe  = regexp.MustCompile(`(?i)name="security_token"[^>]*value="([^"]*)"`)
	nodeRe   = regexp.MustCompile(`row.*(<b>.*</b>)`)
	connRe   = regexp.MustCompile(`(green|red) button`)
	tagRe    = regexp.MustCompile(`<[^<]*?/?>`)
	detailRe = regexp.MustCompile(`(?s)Detailed Status(.*)"Balls">`)
)

// The disabled generate button marks an export-all-URLs run still in
// progress; its markup differs between console generations.
const (
	generatingMarker   = `<input type="submit" name="generate" id="generate" disabled value="Generating...">`
	generatingMarker72 = `<input type="submit" name="generate" id="generate" disabled class="hb-r-N nd-Ld-re" value="Generating...">`
)

// Client is an authenticated session against one appliance's admin
// console. It is not safe for concurrent use; each admin action runs
// one console conversation at a time.
type Client struct {
	c        *http.Client
	log      *zap.Logger
	baseURL  string
	username string
	password string

	loggedIn bool
	is72     bool

	pollInterval        time.Duration
	supportPollInterval time.Duration
}

// NewClient builds a console client for the configured appliance. The
// cookie jar scopes the console session to this client, so appliances
// port-mapped behind a reverse proxy keep separate sessions.
func NewClient(conf Config, password string, log *zap.Logger) (*Client, error) {
	return newClient(
		fmt.Sprintf("http://%s:%d/EnterpriseController", conf.Hostname, conf.Port),
		conf.Username, password, log)
}

func newClient(baseURL, username, password string, log *zap.Logger) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &Client{
		c:                   &http.Client{Timeout: 60 * time.Second, Jar: jar},
		log:                 log,
		baseURL:             baseURL,
		username:            username,
		password:            password,
		pollInterval:        10 * time.Second,
		supportPollInterval: 4 * time.Second,
	}, nil
}

// Login establishes the console session. The console only hands out its
// session cookie on a plain page load, so one happens before the
// credentials are posted. Both the pre-7.2 form fields and the 7.2
// reqObj blob are sent; the console ignores whichever it does not know.
func (c *Client) Login(ctx context.Context) error {
	if c.loggedIn {
		return nil
	}
	c.log.Debug("fetching initial page for new cookie")
	if _, err := c.get(ctx, nil); err != nil {
		return err
	}

	reqObj, err := json.Marshal([]interface{}{nil, c.username, c.password, nil, 1})
	if err != nil {
		return err
	}
	c.log.Debug("logging in", zap.String("username", c.username))
	body, err := c.postForm(ctx, url.Values{
		"actionType": {"authenticateUser"},
		"userName":   {c.username},
		"password":   {c.password},
		"reqObj":     {string(reqObj)},
	})
	if err != nil {
		return err
	}

	switch {
	case homeRe.Match(body):
		c.is72 = false
		c.log.Debug("console is 7.0 or older")
	case xsrfRe.Match(body):
		c.is72 = true
		c.log.Debug("console is 7.2 or newer")
	default:
		return fmt.Errorf("gsa: login as %q failed", c.username)
	}
	c.loggedIn = true
	return nil
}

// Logout drops the console session.
func (c *Client) Logout(ctx context.Context) error {
	if !c.loggedIn {
		return nil
	}
	c.loggedIn = false
	_, err := c.get(ctx, url.Values{"actionType": {"logout"}})
	return err
}

// securityToken scrapes the hidden security_token input from the form
// page for actionType. Consoles old enough to predate the token have no
// such input; their forms accept an empty value.
func (c *Client) securityToken(ctx context.Context, actionType string) (string, error) {
	if err := c.Login(ctx); err != nil {
		return "", err
	}
	body, err := c.get(ctx, url.Values{"actionType": {actionType}, "a": {"1"}})
	if err != nil {
		return "", err
	}
	token := scrapeSecurityToken(body)
	c.log.Debug("security token", zap.String("token", token))
	return token, nil
}

func scrapeSecurityToken(body []byte) string {
	if m := tokenRe.FindSubmatch(body); m != nil {
		return string(m[1])
	}
	return ""
}

// ExportConfig fetches the appliance configuration export, signed by
// the appliance under signPassword.
func (c *Client) ExportConfig(ctx context.Context, signPassword string) (*gsaconfig.Document, error) {
	token, err := c.securityToken(ctx, "cache")
	if err != nil {
		return nil, err
	}
	c.log.Debug("fetching config XML")
	body, err := c.get(ctx, url.Values{
		"actionType":     {"importExport"},
		"export":         {" Export Configuration "},
		"security_token": {token},
		"a":              {"1"},
		"password1":      {signPassword},
		"password2":      {signPassword},
	})
	if err != nil {
		return nil, err
	}
	if bytes.Contains(body, []byte("Passphrase should be at least 8 characters long")) {
		return nil, errors.New("gsa: passphrase should be at least 8 characters long")
	}
	return gsaconfig.Load(body)
}

// ImportConfig uploads the document as the appliance configuration. The
// console reports problems inline in the returned page, so the known
// failure strings map to errors here.
func (c *Client) ImportConfig(ctx context.Context, doc *gsaconfig.Document, signPassword string) error {
	token, err := c.securityToken(ctx, "cache")
	if err != nil {
		return err
	}
	query := url.Values{
		"actionType":     {"importExport"},
		"export":         {" Import Configuration "},
		"security_token": {token},
		"a":              {"1"},
		"passwordIn":     {signPassword},
	}
	fields := [][2]string{
		{"actionType", "importExport"},
		{"passwordIn", signPassword},
		{"import", " Import Configuration "},
	}
	c.log.Info("sending config XML")
	body, err := c.postMultipart(ctx, query, fields, "config.xml", doc.Bytes())
	if err != nil {
		return err
	}
	switch {
	case bytes.Contains(body, []byte("Invalid file")):
		return errors.New("gsa: invalid configuration file")
	case bytes.Contains(body, []byte("Wrong passphrase or the file is corrupt")):
		return errors.New("gsa: wrong passphrase or the file is corrupt")
	case bytes.Contains(body, []byte("Passphrase should be at least 8 characters long")):
		return errors.New("gsa: passphrase should be at least 8 characters long")
	case bytes.Contains(body, []byte("File does not exist")):
		return errors.New("gsa: configuration file does not exist")
	case !bytes.Contains(body, []byte("Configuration imported successfully")):
		return errors.New("gsa: import failed")
	}
	c.log.Info("import successful")
	return nil
}

// SyncDatabases triggers a database sync for each named source. A
// source that fails to sync is logged and the rest still run.
func (c *Client) SyncDatabases(ctx context.Context, names []string) error {
	if err := c.Login(ctx); err != nil {
		return err
	}
	for _, name := range names {
		c.log.Info("syncing database", zap.String("source", name))
		if _, err := c.get(ctx, url.Values{
			"actionType": {"syncDatabase"},
			"entryName":  {name},
		}); err != nil {
			c.log.Error("database sync failed", zap.String("source", name), zap.Error(err))
		}
	}
	return nil
}

// ExportAllURLs asks the appliance to generate its full URL list, polls
// until generation finishes, and streams the download into w.
func (c *Client) ExportAllURLs(ctx context.Context, w io.Writer) error {
	token, err := c.securityToken(ctx, "exportAllUrls")
	if err != nil {
		return err
	}
	c.log.Info("generating the list of all URLs")
	var form url.Values
	if c.is72 {
		form = url.Values{
			"security_token": {token},
			"a":              {"1"},
			"filterMode":     {"all_urls"},
			"goodURLs":       {""},
			"actionType":     {"exportAllUrls"},
			"exportAction":   {"generate"},
			"generate":       {"Generate the gzip file"},
		}
	} else {
		form = url.Values{
			"actionType":     {"exportAllUrls"},
			"action":         {"generate"},
			"goodURLs":       {""},
			"security_token": {token},
			"filterMode":     {"all_urls"},
		}
	}
	body, err := c.postForm(ctx, form)
	if err != nil {
		return err
	}
	token = scrapeSecurityToken(body)

	generating := generatingMarker
	if c.is72 {
		generating = generatingMarker72
	}
	for {
		body, err = c.postForm(ctx, url.Values{
			"actionType":     {"exportAllUrls"},
			"security_token": {token},
			"a":              {"1"},
		})
		if err != nil {
			return err
		}
		token = scrapeSecurityToken(body)
		if !bytes.Contains(body, []byte(generating)) {
			c.log.Info("URL list generated")
			break
		}
		c.log.Info("URL list still generating")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}

	exportAction := "action"
	if c.is72 {
		exportAction = "exportAction"
	}
	c.log.Info("downloading the list of all URLs")
	body, err = c.postForm(ctx, url.Values{
		"actionType":     {"exportAllUrls"},
		exportAction:     {"download"},
		"security_token": {token},
		"a":              {"1"},
	})
	if err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// MirrorStatus scrapes the GSA^n mirroring diagnostics page and writes
// a plain-text report. Each replica row carries five green/red probes:
// ping, stunnel listener, stunnel connection, PPP, application.
func (c *Client) MirrorStatus(ctx context.Context, w io.Writer) error {
	if err := c.Login(ctx); err != nil {
		return err
	}
	c.log.Info("retrieving mirroring diagnostics")
	body, err := c.get(ctx, url.Values{"a": {"1"}, "actionType": {"gsanDiagnostics"}})
	if err != nil {
		return err
	}
	content := string(body)
	if c.is72 && strings.Contains(content, "nd-ue-re") {
		// 7.2 renders the diagnostics client-side; hand over the page.
		_, err = io.WriteString(w, content)
		return err
	}

	nodes := nodeRe.FindAllStringSubmatch(content, -1)
	if len(nodes) == 0 {
		return errors.New("gsa: no replicas found in diagnostics page")
	}
	conn := connRe.FindAllStringSubmatch(content, -1)
	status := make([]string, len(conn))
	numErrs := 0
	for i, m := range conn {
		if m[1] == "green" {
			status[i] = "OK"
		} else {
			status[i] = "ERROR - Test FAILED"
			numErrs++
		}
	}

	checks := []string{
		"Ping Status",
		"Stunnel Listener up",
		"Stunnel Connection",
		"PPP Connection Status",
		"Application Connection Status",
	}
	fmt.Fprintln(w, "=========================================")
	pos := 0
	for i, node := range nodes {
		fmt.Fprintln(w, "Node: "+tagRe.ReplaceAllString(node[1], ""))
		for j, check := range checks {
			if pos+j < len(status) {
				fmt.Fprintln(w, check+": "+status[pos+j])
			}
		}
		pos += len(checks)
		if i < len(nodes)-1 {
			fmt.Fprintln(w, "----------------------------------------")
		}
	}
	fmt.Fprintln(w, "=========================================")
	if numErrs > 0 {
		fmt.Fprintf(w, "%d ERROR(s) detected. Please review mirroring status\n", numErrs)
	} else {
		fmt.Fprintln(w, "All tests passed successfully")
	}

	if m := detailRe.FindString(content); m != "" {
		// Only the primary node carries the detailed sync table.
		detail := strings.ReplaceAll(m, "</td>\n<td ", ": <")
		detail = strings.ReplaceAll(detail, "</td> <td ", " | <")
		detail = tagRe.ReplaceAllString(detail, "")
		for _, row := range strings.Split(detail, "\n") {
			cols := strings.SplitN(row, ": ", 2)
			if len(cols) == 2 {
				fmt.Fprintf(w, "%-41s%s\n", cols[0]+":", cols[1])
			}
		}
		fmt.Fprintln(w, "===========================================================")
	}
	return nil
}

// RunSupportScript submits an encrypted vendor support script, waits
// for it to finish, and writes the run's output into w.
func (c *Client) RunSupportScript(ctx context.Context, script []byte, w io.Writer, timeout time.Duration) error {
	token, err := c.securityToken(ctx, "cache")
	if err != nil {
		return err
	}
	fields := [][2]string{
		{"security_token", token},
		{"actionType", "supportScripts"},
		{"action", "run"},
		{"scriptType", "customFile"},
		{"run", "Run support script"},
	}
	c.log.Info("submitting support script")
	body, err := c.postMultipart(ctx, nil, fields, "cus_sscript_file", script)
	if err != nil {
		return err
	}
	if bytes.Contains(body, []byte("Support script submission failed")) {
		return errors.New("gsa: support script submission failed")
	}
	c.log.Info("support script submitted")

	deadline := time.Now().Add(timeout)
	for {
		body, err = c.get(ctx, url.Values{"actionType": {"supportScripts"}})
		if err != nil {
			return err
		}
		if !bytes.Contains(body, []byte("A support script is running")) {
			c.log.Info("support script output is ready")
			break
		}
		if time.Now().After(deadline) {
			return errors.New("gsa: support script timed out")
		}
		c.log.Info("support script still running")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.supportPollInterval):
		}
	}

	body, err = c.postForm(ctx, url.Values{
		"actionType":     {"supportScripts"},
		"security_token": {token},
		"download":       {"Download results from previous run"},
		"action":         {"download"},
	})
	if err != nil {
		return err
	}
	switch {
	case bytes.Contains(body, []byte("Unable to download results")):
		return errors.New("gsa: unable to download support script results")
	case bytes.Contains(body, []byte("Error when trying to retrieve support script output")):
		return errors.New("gsa: error retrieving support script output")
	}
	_, err = w.Write(body)
	return err
}

func (c *Client) get(ctx context.Context, params url.Values) ([]byte, error) {
	u := c.baseURL
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) postForm(ctx context.Context, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

// postMultipart uploads one file under the console's importFileName
// field plus the given ordinary form fields.
func (c *Client) postMultipart(ctx context.Context, query url.Values,
	fields [][2]string, fileName string, file []byte) ([]byte, error) {

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, err
		}
	}
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="importFileName"; filename="%s"`, fileName))
	header.Set("Content-Type", "text/xml")
	part, err := mw.CreatePart(header)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(file); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	u := c.baseURL
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
