// azstore/azure.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package azstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/storage/armstorage"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	"github.com/juju/errors"
	"golang.org/x/sync/singleflight"
)

// DefaultCredentialTTL is the lifetime of the SAS tokens Azure issues.
const DefaultCredentialTTL = time.Hour

type azureAccount struct {
	resourceGroup string
	tableURL      string
	blobURL       string
}

// Azure is the Client for the storage accounts of one subscription.
// Accounts come from Azure Resource Manager; their shared keys are used
// only to mint SAS tokens and to list collections.
type Azure struct {
	accounts *armstorage.AccountsClient
	ttl      time.Duration

	mu    sync.Mutex
	info  map[string]azureAccount
	keys  map[string]string
	fetch singleflight.Group
}

// NewAzure authenticates with the default Azure credential chain
// (environment, workload identity, managed identity, az CLI).
func NewAzure(subscription string, ttl time.Duration) (*Azure, error) {
	if subscription == "" {
		return nil, errors.NotValidf("empty Azure subscription")
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, errors.Annotate(err, "azure credentials")
	}
	factory, err := armstorage.NewClientFactory(subscription, cred, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if ttl <= 0 {
		ttl = DefaultCredentialTTL
	}
	return &Azure{
		accounts: factory.NewAccountsClient(),
		ttl:      ttl,
		info:     make(map[string]azureAccount),
		keys:     make(map[string]string),
	}, nil
}

func (az *Azure) ListAccounts(ctx context.Context) ([]string, error) {
	var names []string
	pager := az.accounts.NewListPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, errors.Annotate(err, "listing storage accounts")
		}
		for _, a := range page.Value {
			if a == nil || a.Name == nil || a.ID == nil {
				continue
			}
			id, err := arm.ParseResourceID(*a.ID)
			if err != nil {
				return nil, errors.Trace(err)
			}
			info := azureAccount{
				resourceGroup: id.ResourceGroupName,
				tableURL:      fmt.Sprintf("https://%s.table.core.windows.net/", *a.Name),
				blobURL:       fmt.Sprintf("https://%s.blob.core.windows.net/", *a.Name),
			}
			if p := a.Properties; p != nil && p.PrimaryEndpoints != nil {
				if e := p.PrimaryEndpoints.Table; e != nil {
					info.tableURL = *e
				}
				if e := p.PrimaryEndpoints.Blob; e != nil {
					info.blobURL = *e
				}
			}
			az.mu.Lock()
			az.info[*a.Name] = info
			az.mu.Unlock()
			names = append(names, *a.Name)
		}
	}
	return names, nil
}

func (az *Azure) account(ctx context.Context, name string) (azureAccount, error) {
	az.mu.Lock()
	info, ok := az.info[name]
	az.mu.Unlock()
	if ok {
		return info, nil
	}
	if _, err := az.ListAccounts(ctx); err != nil {
		return azureAccount{}, err
	}
	az.mu.Lock()
	defer az.mu.Unlock()
	if info, ok = az.info[name]; !ok {
		return azureAccount{}, errors.NotFoundf("storage account %q", name)
	}
	return info, nil
}

// key returns the account's first shared key, fetching it once.
func (az *Azure) key(ctx context.Context, name string) (string, error) {
	az.mu.Lock()
	k, ok := az.keys[name]
	az.mu.Unlock()
	if ok {
		return k, nil
	}

	v, err, _ := az.fetch.Do(name, func() (interface{}, error) {
		info, err := az.account(ctx, name)
		if err != nil {
			return nil, err
		}
		resp, err := az.accounts.ListKeys(ctx, info.resourceGroup, name, nil)
		if err != nil {
			return nil, errors.Annotatef(err, "%s: listing keys", name)
		}
		for _, k := range resp.Keys {
			if k != nil && k.Value != nil {
				az.mu.Lock()
				az.keys[name] = *k.Value
				az.mu.Unlock()
				return *k.Value, nil
			}
		}
		return nil, errors.NotFoundf("%s: shared key", name)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (az *Azure) tableService(ctx context.Context, account string) (*aztables.ServiceClient, error) {
	info, err := az.account(ctx, account)
	if err != nil {
		return nil, err
	}
	k, err := az.key(ctx, account)
	if err != nil {
		return nil, err
	}
	cred, err := aztables.NewSharedKeyCredential(account, k)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return aztables.NewServiceClientWithSharedKey(info.tableURL, cred, nil)
}

func (az *Azure) blobService(ctx context.Context, account string) (*azblob.Client, error) {
	info, err := az.account(ctx, account)
	if err != nil {
		return nil, err
	}
	k, err := az.key(ctx, account)
	if err != nil {
		return nil, err
	}
	cred, err := azblob.NewSharedKeyCredential(account, k)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return azblob.NewClientWithSharedKeyCredential(info.blobURL, cred, nil)
}

func (az *Azure) ListCollections(ctx context.Context, account string, kind Kind,
	c Cursor) ([]string, Cursor, error) {
	var names []string
	var next Cursor
	switch kind {
	case KindTable:
		svc, err := az.tableService(ctx, account)
		if err != nil {
			return nil, Cursor{}, err
		}
		opts := &aztables.ListTablesOptions{}
		if c.Marker != "" {
			opts.NextTableName = &c.Marker
		}
		page, err := svc.NewListTablesPager(opts).NextPage(ctx)
		if err != nil {
			return nil, Cursor{}, errors.Annotatef(err, "%s: listing tables", account)
		}
		for _, t := range page.Tables {
			if t != nil && t.Name != nil {
				names = append(names, *t.Name)
			}
		}
		if page.NextTableName != nil {
			next.Marker = *page.NextTableName
		}

	case KindContainer:
		svc, err := az.blobService(ctx, account)
		if err != nil {
			return nil, Cursor{}, err
		}
		opts := &azblob.ListContainersOptions{}
		if c.Marker != "" {
			opts.Marker = &c.Marker
		}
		page, err := svc.NewListContainersPager(opts).NextPage(ctx)
		if err != nil {
			return nil, Cursor{}, errors.Annotatef(err, "%s: listing containers", account)
		}
		for _, ci := range page.ContainerItems {
			if ci != nil && ci.Name != nil {
				names = append(names, *ci.Name)
			}
		}
		if page.NextMarker != nil {
			next.Marker = *page.NextMarker
		}

	default:
		return nil, Cursor{}, errors.NotValidf("collection kind %q", kind)
	}
	return names, next, nil
}

// IssueCredential returns a SAS token. Read-only credentials are scoped to
// the collection itself. Creating a table or container needs an account
// SAS, so read-write credentials cover that account's table (or blob)
// service.
func (az *Azure) IssueCredential(ctx context.Context, account string, kind Kind, collection string,
	level Level) (Credential, error) {
	expires := time.Now().Add(az.ttl)
	var sasURL string
	var err error

	switch {
	case kind == KindTable && level == ReadOnly:
		var svc *aztables.ServiceClient
		if svc, err = az.tableService(ctx, account); err != nil {
			return Credential{}, err
		}
		perms := aztables.SASPermissions{Read: true}
		sasURL, err = svc.NewClient(collection).GetTableSASURL(perms, time.Time{}, expires)

	case kind == KindTable:
		var svc *aztables.ServiceClient
		if svc, err = az.tableService(ctx, account); err != nil {
			return Credential{}, err
		}
		res := aztables.AccountSASResourceTypes{Container: true, Object: true}
		perms := aztables.AccountSASPermissions{Read: true, Write: true, Add: true,
			Create: true, Update: true, List: true}
		sasURL, err = svc.GetAccountSASURL(res, perms, time.Time{}, expires)

	case kind == KindContainer && level == ReadOnly:
		var svc *azblob.Client
		if svc, err = az.blobService(ctx, account); err != nil {
			return Credential{}, err
		}
		perms := sas.ContainerPermissions{Read: true, List: true}
		sasURL, err = svc.ServiceClient().NewContainerClient(collection).GetSASURL(perms, expires, nil)

	case kind == KindContainer:
		var svc *azblob.Client
		if svc, err = az.blobService(ctx, account); err != nil {
			return Credential{}, err
		}
		res := sas.AccountResourceTypes{Container: true, Object: true}
		perms := sas.AccountPermissions{Read: true, Write: true, Add: true, Create: true, List: true}
		sasURL, err = svc.ServiceClient().GetSASURL(res, perms, expires, nil)

	default:
		return Credential{}, errors.NotValidf("collection kind %q", kind)
	}
	if err != nil {
		return Credential{}, errors.Annotatef(err, "%s/%s: signing %s SAS", account, collection, level)
	}

	u, err := url.Parse(sasURL)
	if err != nil {
		return Credential{}, errors.Trace(err)
	}
	return Credential{Token: u.RawQuery, Expires: expires}, nil
}

// sasPolicy adds the current SAS token to the query of every request.
// Clients are created without credentials, so a token refresh never
// touches a client that's in use.
type sasPolicy struct {
	ts *TokenSource
}

func (p sasPolicy) Do(req *policy.Request) (*http.Response, error) {
	tok, err := p.ts.Token(req.Raw().Context())
	if err != nil {
		return nil, err
	}
	params, err := url.ParseQuery(tok)
	if err != nil {
		return nil, errors.Annotate(err, "malformed SAS token")
	}
	q := req.Raw().URL.Query()
	for k, v := range params {
		q[k] = v
	}
	req.Raw().URL.RawQuery = q.Encode()
	return req.Next()
}

func (az *Azure) Table(account, name string, ts *TokenSource) (Table, error) {
	info, err := az.account(context.Background(), account)
	if err != nil {
		return nil, err
	}
	opts := &aztables.ClientOptions{ClientOptions: policy.ClientOptions{
		PerCallPolicies: []policy.Policy{sasPolicy{ts}},
	}}
	c, err := aztables.NewClientWithNoCredential(strings.TrimSuffix(info.tableURL, "/")+"/"+name, opts)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &azureTable{name: account + "/" + name, c: c}, nil
}

func (az *Azure) Container(account, name string, ts *TokenSource) (Container, error) {
	info, err := az.account(context.Background(), account)
	if err != nil {
		return nil, err
	}
	opts := &container.ClientOptions{ClientOptions: policy.ClientOptions{
		PerCallPolicies: []policy.Policy{sasPolicy{ts}},
	}}
	c, err := container.NewClientWithNoCredential(strings.TrimSuffix(info.blobURL, "/")+"/"+name, opts)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &azureContainer{name: account + "/" + name, c: c}, nil
}

///////////////////////////////////////////////////////////////////////////
// Tables

type azureTable struct {
	name string
	c    *aztables.Client
}

func (t *azureTable) QueryPage(ctx context.Context, c Cursor, top int) ([]Row, Cursor, error) {
	opts := &aztables.ListEntitiesOptions{}
	if top > 0 {
		n := int32(top)
		opts.Top = &n
	}
	if c.More() {
		opts.NextPartitionKey = &c.PartitionKey
		opts.NextRowKey = &c.RowKey
	}
	page, err := t.c.NewListEntitiesPager(opts).NextPage(ctx)
	if err != nil {
		return nil, Cursor{}, errors.Annotatef(err, "%s: query", t.name)
	}
	rows := make([]Row, len(page.Entities))
	for i, e := range page.Entities {
		rows[i] = Row(e)
	}
	var next Cursor
	if page.NextPartitionKey != nil && page.NextRowKey != nil {
		next.PartitionKey, next.RowKey = *page.NextPartitionKey, *page.NextRowKey
	}
	return rows, next, nil
}

func (t *azureTable) Create(ctx context.Context) error {
	_, err := t.c.CreateTable(ctx, nil)
	var re *azcore.ResponseError
	if errors.As(err, &re) && re.ErrorCode == string(aztables.TableAlreadyExists) {
		return ErrAlreadyExists
	}
	return errors.Annotatef(err, "%s: create", t.name)
}

// Insert adds the entity after dropping the OData annotations the service
// attaches to query results; per-property type annotations are kept.
func (t *azureTable) Insert(ctx context.Context, r Row) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(r, &fields); err != nil {
		return errors.Annotatef(err, "%s: entity", t.name)
	}
	for k := range fields {
		if strings.HasPrefix(k, "odata.") {
			delete(fields, k)
		}
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return errors.Trace(err)
	}
	_, err = t.c.AddEntity(ctx, b, nil)
	return errors.Annotatef(err, "%s: insert", t.name)
}

///////////////////////////////////////////////////////////////////////////
// Containers

type azureContainer struct {
	name string
	c    *container.Client
}

func (c *azureContainer) ListPage(ctx context.Context, cur Cursor, max int) ([]string, Cursor, error) {
	opts := &container.ListBlobsFlatOptions{}
	if max > 0 {
		n := int32(max)
		opts.MaxResults = &n
	}
	if cur.Marker != "" {
		opts.Marker = &cur.Marker
	}
	page, err := c.c.NewListBlobsFlatPager(opts).NextPage(ctx)
	if err != nil {
		return nil, Cursor{}, errors.Annotatef(err, "%s: list", c.name)
	}
	var names []string
	if page.Segment != nil {
		for _, b := range page.Segment.BlobItems {
			if b != nil && b.Name != nil {
				names = append(names, *b.Name)
			}
		}
	}
	var next Cursor
	if page.NextMarker != nil {
		next.Marker = *page.NextMarker
	}
	return names, next, nil
}

func (c *azureContainer) Fetch(ctx context.Context, name string) (BlobInfo, error) {
	resp, err := c.c.NewBlobClient(name).DownloadStream(ctx, nil)
	if err != nil {
		return BlobInfo{}, errors.Annotatef(err, "%s/%s: download", c.name, name)
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return BlobInfo{}, errors.Annotatef(err, "%s/%s: download", c.name, name)
	}
	info := BlobInfo{
		Type:       BlockBlob,
		Content:    content,
		ContentMD5: resp.ContentMD5,
	}
	if resp.BlobType != nil {
		info.Type = string(*resp.BlobType)
	}
	if resp.ContentType != nil {
		info.ContentType = *resp.ContentType
	}
	if len(resp.Metadata) > 0 {
		info.Metadata = make(map[string]string)
		for k, v := range resp.Metadata {
			if v != nil {
				info.Metadata[k] = *v
			}
		}
	}
	if len(info.ContentMD5) == 0 {
		sum := md5.Sum(content)
		info.ContentMD5 = sum[:]
	}
	return info, nil
}

func (c *azureContainer) Create(ctx context.Context) error {
	_, err := c.c.Create(ctx, nil)
	if bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return ErrAlreadyExists
	}
	return errors.Annotatef(err, "%s: create", c.name)
}

func (c *azureContainer) Put(ctx context.Context, name string, info BlobInfo) ([]byte, error) {
	if info.Type != BlockBlob {
		return nil, errors.NotSupportedf("%s/%s: %s", c.name, name, info.Type)
	}
	opts := &blockblob.UploadOptions{}
	if info.ContentType != "" {
		ct := info.ContentType
		opts.HTTPHeaders = &blob.HTTPHeaders{BlobContentType: &ct}
	}
	if len(info.Metadata) > 0 {
		opts.Metadata = make(map[string]*string)
		for k, v := range info.Metadata {
			v := v
			opts.Metadata[k] = &v
		}
	}
	body := streaming.NopCloser(bytes.NewReader(info.Content))
	resp, err := c.c.NewBlockBlobClient(name).Upload(ctx, body, opts)
	if err != nil {
		return nil, errors.Annotatef(err, "%s/%s: upload", c.name, name)
	}
	return resp.ContentMD5, nil
}
