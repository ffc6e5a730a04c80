//go:build integration

package integration_test

import (
	"time"

	"gitlab.com/timkado/api/vapi-call-sync/internal/config"
	"gitlab.com/timkado/api/vapi-call-sync/internal/model"
	"gitlab.com/timkado/api/vapi-call-sync/internal/storage"
	"gitlab.com/timkado/api/vapi-call-sync/pkg/logger"
)

func (s *IntegrationSuite) createOrganization(org *model.Organization) *model.Organization {
	s.Require().NoError(storage.NewOrganizationRepo(s.DB).Create(s.Ctx, org))
	return org
}

func (s *IntegrationSuite) TestOrganizationRegistryKeepsSecrets() {
	repo := storage.NewOrganizationRepo(s.DB)
	org := s.createOrganization(model.NewOrganization(&model.Organization{Name: "Acme", APIKey: "key-acme"}))

	org.APIKey = ""
	org.Description = "renamed"
	s.Require().NoError(repo.Update(s.Ctx, org))

	got, err := repo.Get(s.Ctx, org.ID)
	s.Require().NoError(err)
	s.Equal("key-acme", got.APIKey)
	s.Equal("renamed", got.Description)

	dup := model.NewOrganization(&model.Organization{Name: "Acme", APIKey: "other"})
	s.Error(repo.Create(s.Ctx, dup))
}

func (s *IntegrationSuite) TestSharedStoreIsolatesOrganizations() {
	acme := s.createOrganization(model.NewOrganization(&model.Organization{Name: "Acme", APIKey: "a"}))
	globex := s.createOrganization(model.NewOrganization(&model.Organization{Name: "Globex", APIKey: "g"}))

	acmeStore := storage.NewSharedCallStore(s.DB, acme.ID)
	globexStore := storage.NewSharedCallStore(s.DB, globex.ID)

	old := model.NewCallRecord(acme.ID, &model.CallRecord{CallID: "call-old", CreatedAt: time.Now().UTC().AddDate(0, 0, -40)})
	fresh := model.NewCallRecord(acme.ID, &model.CallRecord{CallID: "call-new", PhoneNumber: "+15550100"})
	for _, r := range []*model.CallRecord{old, fresh} {
		inserted, err := acmeStore.InsertIfAbsent(s.Ctx, r)
		s.Require().NoError(err)
		s.True(inserted)
	}

	// The same call id may exist once per organization.
	inserted, err := globexStore.InsertIfAbsent(s.Ctx, model.NewCallRecord(globex.ID, &model.CallRecord{CallID: "call-new"}))
	s.Require().NoError(err)
	s.True(inserted)

	inserted, err = acmeStore.InsertIfAbsent(s.Ctx, model.NewCallRecord(acme.ID, &model.CallRecord{CallID: "call-new"}))
	s.Require().NoError(err)
	s.False(inserted)

	ids, err := acmeStore.ExistingCallIDs(s.Ctx)
	s.Require().NoError(err)
	s.Len(ids, 2)

	rows, err := acmeStore.Query(s.Ctx, model.CallFilters{PhoneContains: "555010"})
	s.Require().NoError(err)
	s.Require().Len(rows, 1)
	s.Equal("call-new", rows[0].CallID)

	_, purged, err := acmeStore.PurgeOlderThan(s.Ctx, time.Now().UTC().AddDate(0, 0, -30))
	s.Require().NoError(err)
	s.EqualValues(1, purged)

	count, err := globexStore.Count(s.Ctx)
	s.Require().NoError(err)
	s.EqualValues(1, count)
}

func (s *IntegrationSuite) TestExternalStoresAreProvisionedOnFirstUse() {
	orgs := storage.NewOrganizationRepo(s.DB)
	router := storage.NewStorageRouter(s.DB, orgs, 10*time.Second, logger.Log)
	s.T().Cleanup(func() { router.Close(s.Ctx) })

	descriptors := map[string]model.DBDescriptor{
		"Postgres Tenant": {Driver: model.DriverPostgres, Host: s.PostgresEP.Host, Port: s.PostgresEP.Port, Name: externalDB, User: postgresUser, Password: postgresPassword},
		"MySQL Tenant":    {Driver: model.DriverMySQL, Host: s.MySQLEP.Host, Port: s.MySQLEP.Port, Name: mysqlDB, User: "root", Password: mysqlPassword},
	}

	for name, descriptor := range descriptors {
		s.Run(name, func() {
			s.Require().NoError(router.TestConnection(s.Ctx, descriptor))

			org := model.NewOrganization(&model.Organization{Name: name, APIKey: "key"})
			org.UseSeparateDB = true
			org.DBDriver = descriptor.Driver
			org.DBHost = descriptor.Host
			org.DBPort = descriptor.Port
			org.DBName = descriptor.Name
			org.DBUser = descriptor.User
			org.DBPassword = descriptor.Password
			s.createOrganization(org)

			store, err := router.Resolve(s.Ctx, org)
			s.Require().NoError(err)

			stored, err := orgs.Get(s.Ctx, org.ID)
			s.Require().NoError(err)
			s.True(stored.DBTableCreated)

			inserted, err := store.InsertIfAbsent(s.Ctx, model.NewCallRecord(org.ID))
			s.Require().NoError(err)
			s.True(inserted)

			count, err := store.Count(s.Ctx)
			s.Require().NoError(err)
			s.EqualValues(1, count)

			// Nothing lands in the shared table.
			shared, err := storage.NewSharedCallStore(s.DB, org.ID).Count(s.Ctx)
			s.Require().NoError(err)
			s.Zero(shared)

			_, err = store.DeleteAll(s.Ctx)
			s.Require().NoError(err)
		})
	}

	err := router.TestConnection(s.Ctx, model.DBDescriptor{Driver: model.DriverPostgres, Host: s.PostgresEP.Host, Port: s.PostgresEP.Port, Name: externalDB, User: postgresUser, Password: "wrong"})
	s.Error(err)
}

func (s *IntegrationSuite) TestLeaseLockers() {
	redisClient, err := storage.NewRedisClient(s.Ctx, config.RedisConfig{Addr: s.RedisEP.Addr()})
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = redisClient.Close() })

	lockers := map[string]storage.Locker{
		"db":    storage.NewDBLocker(s.DB),
		"redis": storage.NewRedisLocker(redisClient),
	}
	for name, locker := range lockers {
		s.Run(name, func() {
			lease, ok, err := locker.TryAcquire(s.Ctx, 42, time.Minute)
			s.Require().NoError(err)
			s.Require().True(ok)

			_, ok, err = locker.TryAcquire(s.Ctx, 42, time.Minute)
			s.Require().NoError(err)
			s.False(ok, "second acquire must fail while the lease is live")

			held, err := locker.IsHeld(s.Ctx, 42)
			s.Require().NoError(err)
			s.True(held)

			s.Require().NoError(locker.Extend(s.Ctx, lease, time.Minute))
			s.Require().NoError(locker.Release(s.Ctx, lease))

			held, err = locker.IsHeld(s.Ctx, 42)
			s.Require().NoError(err)
			s.False(held)

			// An expired lease can be taken over.
			_, ok, err = locker.TryAcquire(s.Ctx, 43, 50*time.Millisecond)
			s.Require().NoError(err)
			s.Require().True(ok)
			time.Sleep(100 * time.Millisecond)
			_, ok, err = locker.TryAcquire(s.Ctx, 43, time.Minute)
			s.Require().NoError(err)
			s.True(ok)

			s.Require().NoError(locker.ReleaseAll(s.Ctx))
		})
	}
}
